// Package relay serves the identification endpoint. It validates the
// uploaded image, asks a multimodal model for a plant record and answers
// with the {plantData} or {error, details} envelope.
package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"google.golang.org/genai"
)

// DefaultModel is the Gemini model used when none is configured
const DefaultModel = "gemini-2.5-flash"

// Prompt asks the model for the canonical plant record
const Prompt = `Analyze this plant image and identify the plant. Answer only with a JSON object in this format:
{
  "name": "Common name of the plant",
  "scientificName": "Scientific name",
  "confidence": 0,
  "description": "Brief description of the plant",
  "keyFeatures": ["Key feature 1", "Key feature 2", "Key feature 3"],
  "care": {
    "light": "Light requirements",
    "water": "Watering needs",
    "humidity": "Humidity requirements",
    "temperature": "Temperature range",
    "soil": "Soil type",
    "fertilizer": "Fertilizing schedule"
  },
  "commonProblems": ["Problem 1", "Problem 2"],
  "propagation": "Propagation steps, one sentence per step.",
  "growthRate": "Slow, moderate or fast"
}
confidence is a number between 0 and 100.`

// Model turns an image into the raw text of a plant record
type Model interface {
	Identify(ctx context.Context, apiKey string, image []byte, mimeType string) (string, error)
}

// clientCacheSize bounds how many per-key clients stay alive
const clientCacheSize = 32

// GeminiModel calls the Gemini API. Clients for the most recently used API
// keys are kept in an LRU cache.
type GeminiModel struct {
	model string

	mu      sync.Mutex
	clients *lru.Cache[string, *genai.Client]
}

// NewGeminiModel creates a GeminiModel
func NewGeminiModel(model string) *GeminiModel {
	if model == "" {
		model = DefaultModel
	}
	clients, err := lru.New[string, *genai.Client](clientCacheSize)
	if err != nil {
		panic(err)
	}
	return &GeminiModel{
		model:   model,
		clients: clients,
	}
}

func (g *GeminiModel) client(ctx context.Context, apiKey string) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if client, ok := g.clients.Get(apiKey); ok {
		return client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	g.clients.Add(apiKey, client)
	return client, nil
}

func (g *GeminiModel) Identify(ctx context.Context, apiKey string, image []byte, mimeType string) (string, error) {
	client, err := g.client(ctx, apiKey)
	if err != nil {
		return "", err
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(Prompt),
			genai.NewPartFromBytes(image, mimeType),
		}, genai.RoleUser),
	}
	result, err := client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   plantSchema,
	})
	if err != nil {
		return "", fmt.Errorf("GenAI generate failed: %w", err)
	}
	text := result.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("no plant information received")
	}
	return text, nil
}

var plantSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"name":           {Type: genai.TypeString},
		"scientificName": {Type: genai.TypeString},
		"confidence":     {Type: genai.TypeNumber},
		"description":    {Type: genai.TypeString},
		"keyFeatures":    {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"care": {
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"light":       {Type: genai.TypeString},
				"water":       {Type: genai.TypeString},
				"humidity":    {Type: genai.TypeString},
				"temperature": {Type: genai.TypeString},
				"soil":        {Type: genai.TypeString},
				"fertilizer":  {Type: genai.TypeString},
			},
			Required:         []string{"light", "water"},
			PropertyOrdering: []string{"light", "water", "humidity", "temperature", "soil", "fertilizer"},
		},
		"commonProblems": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"propagation":    {Type: genai.TypeString},
		"growthRate":     {Type: genai.TypeString},
	},
	Required: []string{"name", "scientificName", "confidence", "care"},
	PropertyOrdering: []string{
		"name", "scientificName", "confidence", "description", "keyFeatures",
		"care", "commonProblems", "propagation", "growthRate",
	},
}

// StripFences removes a markdown code fence around a model answer
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		// drop the language tag line
		text = text[nl+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
