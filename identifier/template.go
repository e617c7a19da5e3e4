package identifier

import (
	"bytes"
	"embed"
	"html/template"
	"io"
	"io/fs"
	"net/http"
	"strings"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/russross/blackfriday/v2"
)

var (
	//go:embed templates
	templateFS embed.FS

	//go:embed assets/css/style.css
	cssContent string

	//go:embed assets
	assetsFS embed.FS

	// Template manager with mold for layout support
	templateManager *TemplateManager = nil

	// TemplateFuncMap contains custom template functions available globally
	TemplateFuncMap = template.FuncMap{
		"add": func(a, b int) int { return a + b },
		"markdown": func(text string) template.HTML {
			return template.HTML(blackfriday.Run([]byte(text)))
		},
		// dataURL marks a preview produced by domain.DataURI as safe for src
		"dataURL": func(uri string) template.URL {
			if !strings.HasPrefix(uri, "data:image/") {
				return ""
			}
			return template.URL(uri)
		},
	}
)

func init() {
	templates, err := fs.Sub(templateFS, "templates")
	if err != nil {
		panic(err)
	}
	templateManager, err = NewTemplateManager(templates, TemplateFuncMap)
	if err != nil {
		panic(err)
	}
}

// Page is the data every template receives. Page specific values go in Data.
type Page struct {
	Title string
	Lang  string
	CSS   template.CSS
	Path  string
	// Refresh reloads the page while an identification runs
	Refresh   bool
	Data      interface{}
	localizer *i18n.Localizer
}

// T translates a message ID for the visitor
func (p *Page) T(messageID string) string {
	return Localize(p.localizer, messageID, nil)
}

// TWith translates a message ID with one template value
func (p *Page) TWith(messageID, key string, value interface{}) string {
	return Localize(p.localizer, messageID, map[string]interface{}{key: value})
}

// RenderPageWithRequest renders a page with request-aware i18n
// ALWAYS use this function for rendering pages to ensure proper i18n support
func RenderPageWithRequest(r *http.Request, w http.ResponseWriter, pageName, titleID string, data interface{}) error {
	return RenderPage(r, w, http.StatusOK, pageName, titleID, data)
}

// RenderPage is RenderPageWithRequest answering with status
func RenderPage(r *http.Request, w http.ResponseWriter, status int, pageName, titleID string, data interface{}) error {
	localizer := GetLocalizerFromContext(r.Context())
	page := &Page{
		Title:     Localize(localizer, titleID, nil),
		Lang:      languageOf(localizer),
		CSS:       template.CSS(cssContent),
		Path:      r.URL.Path,
		Data:      data,
		localizer: localizer,
	}
	if index, ok := data.(indexData); ok {
		page.Refresh = index.Loading
	}
	// render to a buffer so a template error still yields a clean 500
	var buf bytes.Buffer
	if err := templateManager.Render(&buf, "pages/"+pageName, page); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := io.Copy(w, &buf)
	return err
}

// assetsHandler serves the embedded scripts and icons under /assets/
func assetsHandler() http.Handler {
	assets, err := fs.Sub(assetsFS, "assets")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/assets/", http.FileServer(http.FS(assets)))
}
