package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"chatrelay/internal/domain"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com"

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature    float64 `json:"temperature"`
	TopK           int     `json:"topK"`
	TopP           float64 `json:"topP"`
	CandidateCount int     `json:"candidateCount"`
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

// Gemini is the adapter for the Gemini streamGenerateContent API.
type Gemini struct {
	id      string
	baseURL string
}

// NewGemini creates the Gemini adapter.
func NewGemini(id, baseURL string) *Gemini {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = geminiBaseURL
	}
	return &Gemini{id: id, baseURL: baseURL}
}

// ID implements domain.Adapter.
func (g *Gemini) ID() string { return g.id }

// DefaultModel implements domain.Adapter.
func (g *Gemini) DefaultModel() string { return "gemini-pro" }

// Endpoint implements domain.Adapter. alt=sse switches the response to SSE framing.
func (g *Gemini) Endpoint(model string) string {
	return fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", g.baseURL, url.PathEscape(model))
}

// Headers implements domain.Adapter.
func (g *Gemini) Headers(apiKey string) http.Header {
	h := http.Header{}
	h.Set("x-goog-api-key", apiKey)
	return h
}

// BuildBody implements domain.Adapter. Assistant turns use Gemini's "model" role.
func (g *Gemini) BuildBody(turns []domain.Turn, _ string) ([]byte, error) {
	req := geminiRequest{
		GenerationConfig: geminiGenerationConfig{
			Temperature:    0.7,
			TopK:           40,
			TopP:           0.95,
			CandidateCount: 1,
		},
	}
	for _, t := range turns {
		switch t.Role {
		case domain.RoleSystem:
			if req.SystemInstruction == nil {
				req.SystemInstruction = &geminiContent{}
			}
			req.SystemInstruction.Parts = append(req.SystemInstruction.Parts, geminiPart{Text: t.Content})
		case domain.RoleAssistant:
			req.Contents = append(req.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: t.Content}}})
		default:
			req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: t.Content}}})
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

// DataPrefix implements domain.Adapter.
func (g *Gemini) DataPrefix() string { return "data:" }

// ExtractDelta implements domain.Adapter. Text of every part of the first
// candidate is concatenated.
func (g *Gemini) ExtractDelta(frame []byte) (string, bool) {
	var sb strings.Builder
	gjson.GetBytes(frame, "candidates.0.content.parts.#.text").ForEach(func(_, v gjson.Result) bool {
		sb.WriteString(v.String())
		return true
	})
	if sb.Len() == 0 {
		return "", false
	}
	return sb.String(), true
}

// ExtractError implements domain.ErrorExtractor.
func (g *Gemini) ExtractError(frame []byte) (string, bool) {
	return errorAt(frame, "error")
}

var (
	_ domain.Adapter        = (*Gemini)(nil)
	_ domain.ErrorExtractor = (*Gemini)(nil)
)
