package identifier

import (
	"errors"
	"html/template"
	"strconv"
	"strings"

	"github.com/lewtec/plantid/internal/capture"
	"github.com/lewtec/plantid/internal/domain"
	"github.com/lewtec/plantid/internal/identify"
	"github.com/lewtec/plantid/internal/selector"
	"github.com/lewtec/plantid/internal/workflow"
	"github.com/microcosm-cc/bluemonday"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/russross/blackfriday/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Result tabs, in display order
const (
	TabOverview = "overview"
	TabFeatures = "features"
	TabCare     = "care"
	TabDetails  = "details"
)

var tabs = []string{TabOverview, TabFeatures, TabCare, TabDetails}

// ResultView is what the result section of the page shows
type ResultView struct {
	// Error is the localized error panel text, empty when there is none
	Error string
	// Plant is nil when there is no result to show
	Plant  *PlantView
	Tabs   []Tab
	Active string
}

type Tab struct {
	ID     string
	Label  string
	Href   string
	Active bool
}

type PlantView struct {
	Name           string
	ScientificName string
	Match          string
	Overview       template.HTML
	Features       []string
	Care           []CareItem
	Problems       []string
	Propagation    []string
	GrowthRate     string
}

type CareItem struct {
	Key   string
	Label string
	Text  string
}

// BuildResultView turns a session snapshot into the result section for tab.
// An unknown tab falls back to the overview.
func BuildResultView(snap workflow.Snapshot, tab string, localizer *i18n.Localizer) ResultView {
	var ret ResultView
	if snap.Err != nil {
		ret.Error = ErrorMessage(snap.Err, localizer)
	}
	if snap.Record == nil {
		return ret
	}
	if !validTab(tab) {
		tab = TabOverview
	}
	ret.Active = tab
	for _, id := range tabs {
		ret.Tabs = append(ret.Tabs, Tab{
			ID:     id,
			Label:  Localize(localizer, "tab."+id, nil),
			Href:   "/?tab=" + id + "#result",
			Active: id == tab,
		})
	}
	ret.Plant = buildPlantView(snap.Record, localizer)
	return ret
}

func validTab(tab string) bool {
	for _, id := range tabs {
		if id == tab {
			return true
		}
	}
	return false
}

func buildPlantView(record *domain.PlantRecord, localizer *i18n.Localizer) *PlantView {
	ret := &PlantView{
		Name:           record.Name,
		ScientificName: record.ScientificName,
		Match: Localize(localizer, "result.match", map[string]interface{}{
			"Percent": FormatPercent(float64(record.Confidence)),
		}),
		Overview:   markdown(record.Description),
		Features:   nonEmpty(record.KeyFeatures),
		Problems:   nonEmpty(record.CommonProblems),
		GrowthRate: strings.TrimSpace(record.GrowthRate),
	}
	for _, entry := range record.Care {
		text := strings.TrimSpace(entry.Text)
		if text == "" {
			text = Localize(localizer, "result.care_unspecified", nil)
		}
		ret.Care = append(ret.Care, CareItem{
			Key:   entry.Key,
			Label: CareLabel(entry.Key),
			Text:  text,
		})
	}
	ret.Propagation = PropagationSteps(record.Propagation)
	return ret
}

// MaskKey hides all but the last four characters of an API key
func MaskKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return strings.Repeat("•", len(key))
	}
	return strings.Repeat("•", 8) + key[len(key)-4:]
}

// FormatPercent prints a confidence without a trailing fraction when whole
func FormatPercent(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// CareLabel title-cases a care key: "light" is shown as "Light"
func CareLabel(key string) string {
	// a Caser keeps state, so it cannot be shared between requests
	return cases.Title(language.English).String(key)
}

// PropagationSteps splits the propagation text into its sentences
func PropagationSteps(text string) []string {
	var ret []string
	for _, step := range strings.Split(text, ".") {
		step = strings.TrimSpace(step)
		if step != "" {
			ret = append(ret, step)
		}
	}
	return ret
}

func nonEmpty(items []string) []string {
	var ret []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			ret = append(ret, item)
		}
	}
	return ret
}

// markdownPolicy removes unsafe markup from rendered model text
var markdownPolicy = bluemonday.UGCPolicy()

func markdown(text string) template.HTML {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	unsafe := blackfriday.Run([]byte(text), blackfriday.WithExtensions(blackfriday.CommonExtensions))
	return template.HTML(markdownPolicy.SanitizeBytes(unsafe))
}

// ErrorMessage maps an error to the text of the error panel. A detail sent
// by the relay is shown as is.
func ErrorMessage(err error, localizer *i18n.Localizer) string {
	if err == nil {
		return ""
	}
	var identifyErr *identify.Error
	if errors.As(err, &identifyErr) && identifyErr.Kind != identify.KindCredential && strings.TrimSpace(identifyErr.Detail) != "" {
		return identifyErr.Detail
	}
	return Localize(localizer, errorMessageID(err), nil)
}

func errorMessageID(err error) string {
	switch {
	case errors.Is(err, selector.ErrTooLarge):
		return "error.too_large"
	case errors.Is(err, selector.ErrMissingCredential), identify.KindOf(err) == identify.KindCredential:
		return "error.missing_key"
	case errors.Is(err, selector.ErrNotImage):
		return "error.not_image"
	case errors.Is(err, workflow.ErrNoImage):
		return "error.no_image"
	case errors.Is(err, capture.ErrPermissionDenied):
		return "error.camera_denied"
	case errors.Is(err, capture.ErrNoDevice):
		return "error.camera_missing"
	case errors.Is(err, capture.ErrDeviceBusy):
		return "error.camera_busy"
	case errors.Is(err, capture.ErrCameraUnknown), errors.Is(err, capture.ErrNotActive):
		return "error.camera_unknown"
	case identify.KindOf(err) != 0, errors.Is(err, domain.ErrIncomplete), errors.Is(err, domain.ErrConfidenceRange):
		return "error.identify"
	default:
		return "error.generic"
	}
}
