package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyeokjun/routerag-go/internal/domain/entities"
	"github.com/hyeokjun/routerag-go/internal/domain/ports"
)

func testContext() *entities.AssembledContext {
	return &entities.AssembledContext{
		SystemPrompt: "be helpful",
		Evidence:     []entities.EvidenceItem{{SourceID: "issues", RecordID: "1", Score: 0.9, Content: "evidence text"}},
		Question:     "what happened?",
	}
}

func TestOllamaAdapter_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)

		var req ollamaGenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Prompt, "evidence text")
		assert.Contains(t, req.Prompt, "what happened?")
		assert.False(t, req.Stream)

		json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: "an answer", Done: true})
	}))
	defer server.Close()

	adapter := NewOllamaAdapter(server.URL, "test-model")
	answer, err := adapter.Generate(context.Background(), testContext())

	require.NoError(t, err)
	assert.Equal(t, "an answer", answer)
}

func TestOllamaAdapter_ChartsUnsupported(t *testing.T) {
	adapter := NewOllamaAdapter("", "")
	_, _, err := adapter.GenerateWithChart(context.Background(), testContext(), []entities.Row{{Key: "a", Value: 1}})
	assert.ErrorIs(t, err, ports.ErrChartsUnsupported)
}

func TestGeminiAdapter_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/test-model:generateContent", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-goog-api-key"))

		var req geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Empty(t, req.Tools)

		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"parts": []map[string]any{{"text": "a gemini answer"}},
				},
			}},
		})
	}))
	defer server.Close()

	adapter := NewGeminiAdapter(server.URL, "secret", "test-model")
	answer, err := adapter.Generate(context.Background(), testContext())

	require.NoError(t, err)
	assert.Equal(t, "a gemini answer", answer)
}

func TestGeminiAdapter_GenerateWithChart(t *testing.T) {
	png := base64.StdEncoding.EncodeToString([]byte("fake png bytes"))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Tools, 1)
		assert.NotNil(t, req.Tools[0].CodeExecution)
		assert.Contains(t, req.Contents[0].Parts[0].Text, "high,2")

		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"parts": []map[string]any{
						{"text": "here is the chart"},
						{"inlineData": map[string]any{"mimeType": "image/png", "data": png}},
					},
				},
			}},
		})
	}))
	defer server.Close()

	adapter := NewGeminiAdapter(server.URL, "secret", "test-model")
	answer, charts, err := adapter.GenerateWithChart(context.Background(), testContext(),
		[]entities.Row{{Key: "high", Value: 2}, {Key: "low", Value: 1}})

	require.NoError(t, err)
	assert.Equal(t, "here is the chart", answer)
	require.Len(t, charts, 1)
	assert.Equal(t, "image/png", charts[0].MimeType)
	assert.Equal(t, []byte("fake png bytes"), charts[0].Data)
}

func TestGeminiAdapter_ErrorMessageSurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "quota exceeded"},
		})
	}))
	defer server.Close()

	adapter := NewGeminiAdapter(server.URL, "secret", "test-model")
	_, err := adapter.Generate(context.Background(), testContext())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestGeminiAdapter_NoCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"candidates": []any{}})
	}))
	defer server.Close()

	adapter := NewGeminiAdapter(server.URL, "secret", "test-model")
	_, err := adapter.Generate(context.Background(), testContext())
	assert.Error(t, err)
}
