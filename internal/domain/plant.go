package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrIncomplete is returned when a plant record lacks a required field
	ErrIncomplete = errors.New("incomplete plant data")
	// ErrConfidenceRange is returned when the confidence is outside [0,100]
	ErrConfidenceRange = errors.New("confidence out of range")
)

// Care attribute keys the model is asked for
const (
	CareLight       = "light"
	CareWater       = "water"
	CareHumidity    = "humidity"
	CareTemperature = "temperature"
	CareSoil        = "soil"
	CareFertilizer  = "fertilizer"
)

// legacyFields are keys of the older response shape
var legacyFields = []string{"overview", "features", "potSizes", "idealFor"}

// PlantRecord is the structured identification result for one plant
type PlantRecord struct {
	Name           string   `json:"name"`
	ScientificName string   `json:"scientificName"`
	Confidence     Percent  `json:"confidence"`
	Description    string   `json:"description"`
	KeyFeatures    []string `json:"keyFeatures"`
	Care           Care     `json:"care"`
	CommonProblems []string `json:"commonProblems"`
	Propagation    string   `json:"propagation"`
	GrowthRate     string   `json:"growthRate"`
}

// Validate checks the minimal required subset of fields and the confidence range
func (p *PlantRecord) Validate() error {
	var missing []string
	if strings.TrimSpace(p.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(p.ScientificName) == "" {
		missing = append(missing, "scientificName")
	}
	if strings.TrimSpace(p.Care.Get(CareLight)) == "" {
		missing = append(missing, "care.light")
	}
	if strings.TrimSpace(p.Care.Get(CareWater)) == "" {
		missing = append(missing, "care.water")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrIncomplete, strings.Join(missing, ", "))
	}
	if p.Confidence < 0 || p.Confidence > 100 {
		return fmt.Errorf("%w: %v", ErrConfidenceRange, float64(p.Confidence))
	}
	return nil
}

// ParsePlantRecord decodes and validates a plant record payload
func ParsePlantRecord(data []byte) (*PlantRecord, error) {
	var ret PlantRecord
	if err := json.Unmarshal(data, &ret); err != nil {
		return nil, fmt.Errorf("while decoding plant record: %w", err)
	}
	if err := ret.Validate(); err != nil {
		return nil, err
	}
	return &ret, nil
}

// LegacyFields lists the deprecated response keys present in a payload
func LegacyFields(data []byte) []string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}
	var ret []string
	for _, key := range legacyFields {
		if _, ok := fields[key]; ok {
			ret = append(ret, key)
		}
	}
	return ret
}

// Percent is a 0-100 score. Models sometimes send it as "87" or "87%".
type Percent float64

func (p *Percent) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*p = 0
		return nil
	}
	var number float64
	if err := json.Unmarshal(data, &number); err == nil {
		*p = Percent(number)
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("confidence: %w", err)
	}
	text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "%"))
	number, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("confidence: %w", err)
	}
	*p = Percent(number)
	return nil
}

// CareEntry is one care attribute and its description
type CareEntry struct {
	Key  string
	Text string
}

// Care is an ordered mapping of care attribute to description. The order is
// the one the attributes had in the decoded JSON object.
type Care []CareEntry

// Get returns the text for key, or "" when absent
func (c Care) Get(key string) string {
	for _, entry := range c {
		if strings.EqualFold(entry.Key, key) {
			return entry.Text
		}
	}
	return ""
}

// Set overwrites key in place or appends it
func (c Care) Set(key, text string) Care {
	for i := range c {
		if strings.EqualFold(c[i].Key, key) {
			c[i].Text = text
			return c
		}
	}
	return append(c, CareEntry{Key: key, Text: text})
}

func (c *Care) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("care: %w", err)
	}
	if tok == nil {
		*c = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("care: expected an object, got %v", tok)
	}
	var ret Care
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("care: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("care: unexpected key %v", tok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("care.%s: %w", key, err)
		}
		var text string
		switch v := value.(type) {
		case nil:
		case string:
			text = v
		default:
			text = fmt.Sprint(v)
		}
		ret = ret.Set(key, text)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("care: %w", err)
	}
	*c = ret
	return nil
}

func (c Care) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, entry := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(entry.Key)
		if err != nil {
			return nil, err
		}
		text, err := json.Marshal(entry.Text)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(text)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
