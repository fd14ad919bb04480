// Package analysis sends recordings to a generative model and returns the
// transcript and summary.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"google.golang.org/genai"

	"recording-pipeline/internal/models"
)

// Analyzer turns audio into an Analysis.
type Analyzer interface {
	Analyze(ctx context.Context, audio []byte, mimeType string) (models.Analysis, error)
}

const prompt = `Transcribe this recording verbatim and summarise it in two or three sentences.
Respond with JSON: {"transcript": string, "summary": string, "language": BCP-47 code}.`

// Gemini calls the Gemini API through the genai SDK.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a client for model using apiKey.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

// ListModels returns the names of the models that support content generation.
func (g *Gemini) ListModels(ctx context.Context) ([]string, error) {
	var names []string
	for m, err := range g.client.Models.All(ctx) {
		if err != nil {
			return nil, fmt.Errorf("list models: %w", err)
		}
		if slices.Contains(m.SupportedActions, "generateContent") {
			names = append(names, m.Name)
		}
	}
	return names, nil
}

func (g *Gemini) Analyze(ctx context.Context, audio []byte, mimeType string) (models.Analysis, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(prompt),
			genai.NewPartFromBytes(audio, mimeType),
		}, genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return models.Analysis{}, classify(fmt.Errorf("generate content: %w", err))
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return models.Analysis{}, models.TransientError(errors.New("model returned an empty response"))
	}
	a := ParseResponse(text)
	a.Model = g.model
	return a, nil
}

// ParseResponse decodes the model's JSON reply. Replies that are not JSON are kept as the transcript.
func ParseResponse(text string) models.Analysis {
	raw := strings.TrimSpace(text)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var a models.Analysis
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &a); err != nil || a.Transcript == "" {
		return models.Analysis{Transcript: strings.TrimSpace(text)}
	}
	return a
}

// classify marks client errors as terminal. Throttling, timeouts and server errors stay transient.
func classify(err error) error {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}
	if code >= 400 && code < 500 && code != 408 && code != 429 {
		return models.TerminalError(err)
	}
	return models.TransientError(err)
}
