package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyeokjun/routerag-go/internal/domain/entities"
)

// GeminiAdapter implements ports.LLMService against the Gemini REST API.
// Its code-execution tool runs model-written plotting code server-side and
// returns rendered images inline, which backs the chart mode.
type GeminiAdapter struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewGeminiAdapter creates a Gemini adapter. baseURL is overridable for
// tests; empty means the public endpoint.
func NewGeminiAdapter(baseURL, apiKey, model string) *GeminiAdapter {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiAdapter{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
	Tools    []geminiTool    `json:"tools,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *geminiBlobPart `json:"inlineData,omitempty"`
}

type geminiBlobPart struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type geminiTool struct {
	CodeExecution *struct{} `json:"codeExecution,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate produces an answer for an assembled context.
func (a *GeminiAdapter) Generate(ctx context.Context, assembled *entities.AssembledContext) (string, error) {
	text, _, err := a.call(ctx, assembled.Prompt(), nil)
	return text, err
}

// GenerateWithChart asks the model to answer and to render the table as a
// chart via code execution. Image parts in the response become artifacts.
func (a *GeminiAdapter) GenerateWithChart(ctx context.Context, assembled *entities.AssembledContext, table []entities.Row) (string, []entities.ChartArtifact, error) {
	var sb strings.Builder
	sb.WriteString(assembled.Prompt())
	sb.WriteString("\n\nAlso write and execute Python code that renders this data as a chart:\n")
	for _, row := range table {
		fmt.Fprintf(&sb, "%s,%g\n", row.Key, row.Value)
	}
	return a.call(ctx, sb.String(), []geminiTool{{CodeExecution: &struct{}{}}})
}

func (a *GeminiAdapter) call(ctx context.Context, prompt string, tools []geminiTool) (string, []entities.ChartArtifact, error) {
	reqBody := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
		Tools:    tools,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", a.baseURL, a.model)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return "", nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("calling Gemini: %w", err)
	}
	defer resp.Body.Close()

	var genResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", nil, fmt.Errorf("decoding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if genResp.Error != nil {
			return "", nil, fmt.Errorf("Gemini returned status %d: %s", resp.StatusCode, genResp.Error.Message)
		}
		return "", nil, fmt.Errorf("Gemini returned status %d", resp.StatusCode)
	}
	if len(genResp.Candidates) == 0 {
		return "", nil, fmt.Errorf("Gemini returned no candidates")
	}

	var text strings.Builder
	var charts []entities.ChartArtifact
	for _, part := range genResp.Candidates[0].Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.InlineData == nil || !strings.HasPrefix(part.InlineData.MimeType, "image/") {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
		if err != nil {
			log.Warn().Err(err).Msg("discarding undecodable chart artifact")
			continue
		}
		charts = append(charts, entities.ChartArtifact{
			MimeType: part.InlineData.MimeType,
			Data:     data,
		})
	}
	return strings.TrimSpace(text.String()), charts, nil
}
