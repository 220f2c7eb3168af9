package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-agent/backend/internal/agent"
	"github.com/kb-agent/backend/internal/chat"
	"github.com/kb-agent/backend/internal/evaluation"
	"github.com/kb-agent/backend/internal/ingestion"
	"github.com/kb-agent/backend/internal/knowledge"
	"github.com/kb-agent/backend/internal/llm"
	"github.com/kb-agent/backend/internal/llm/llmtest"
	"github.com/kb-agent/backend/internal/retrieval"
	"github.com/kb-agent/backend/internal/storage/memory"
	"github.com/kb-agent/backend/internal/storage/models"
	"github.com/kb-agent/backend/pkg/config"
)

type letterEmbedder struct{}

func (letterEmbedder) Ready() bool { return true }

func (letterEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 26)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			vec[r-'a']++
		}
	}
	return vec, nil
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testServer struct {
	app     *fiber.App
	vectors *memory.VectorStore
	model   *llmtest.Fake
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			BodyLimit:      1 << 20,
			AllowedOrigins: []string{"*"},
			Development:    true,
		},
		Agent: config.AgentConfig{DefaultMode: "thinking"},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()

	model := &llmtest.Fake{
		InvokeFunc: func([]llm.Message) (string, error) { return "GREETING", nil },
		StreamFunc: func([]llm.Message) (llmtest.Script, error) {
			return llmtest.Script{Tokens: llmtest.Words("Hello there.")}, nil
		},
	}

	vectors := memory.NewVectorStore()
	gateway := retrieval.NewGateway(vectors, letterEmbedder{})
	configStore := knowledge.NewConfigStore(models.KnowledgeConfig{
		MaxDocuments:        5,
		SimilarityThreshold: 0.3,
		MaxContextLength:    4000,
	}, memory.NewConfigStore())

	messages := memory.NewMessageStore()
	orchestrator := agent.NewOrchestrator(llm.NewGate(model), gateway, configStore, agent.Options{})

	app, cleanup := NewApp(cfg, Deps{
		Chat:      chat.NewService(messages, messages, orchestrator, chat.Config{}),
		Knowledge: knowledge.NewService(gateway, configStore),
		Processor: ingestion.NewProcessor(0),
		Readiness: gateway,
		Cache:     downPinger{},
		Evaluator: evaluation.NewEvaluator(agent.NewRouter(model, nil, 0), gateway, configStore),
	})
	t.Cleanup(cleanup)

	return &testServer{app: app, vectors: vectors, model: model}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(raw)
}

func decode(t *testing.T, body string) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	return out
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, testConfig())

	resp, _ := s.do(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := s.do(t, http.MethodGet, "/api/v1/ready", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	components := decode(t, body)["components"].(map[string]any)
	assert.Equal(t, false, components["cache"])

	s.vectors.SetReady(false)
	resp, body = s.do(t, http.MethodGet, "/api/v1/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "not_ready", decode(t, body)["status"])
}

func TestChat(t *testing.T) {
	s := newTestServer(t, testConfig())

	resp, body := s.do(t, http.MethodPost, "/api/v1/chat", `{"query":"hi","session_id":"s1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	out := decode(t, body)
	assert.Equal(t, "s1", out["session_id"])
	assert.Equal(t, "Hello there.", out["answer"])
	assert.Equal(t, "GREETING", out["intent"])
	assert.Equal(t, "DONE", out["state"])
	assert.Contains(t, out["reasoning"], "Intent identified: GREETING")

	resp, body = s.do(t, http.MethodGet, "/api/v1/sessions/s1/messages", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode(t, body)["messages"], 2)
}

func TestChatRejectsBadRequests(t *testing.T) {
	s := newTestServer(t, testConfig())

	tests := []struct {
		name string
		body string
	}{
		{"empty query", `{"query":"  "}`},
		{"markup", `{"query":"<script>alert(1)</script>"}`},
		{"unknown mode", `{"query":"hi","mode":"turbo"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := s.do(t, http.MethodPost, "/api/v1/chat", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	assert.Empty(t, s.model.Calls())
}

func TestChatStream(t *testing.T) {
	s := newTestServer(t, testConfig())

	resp, body := s.do(t, http.MethodPost, "/api/v1/chat/stream", `{"query":"hello","session_id":"s2","mode":"fast"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sessionAt := strings.Index(body, "event: session")
	tokenAt := strings.Index(body, "event: token")
	completeAt := strings.Index(body, "event: complete")
	require.True(t, sessionAt >= 0 && tokenAt > sessionAt && completeAt > tokenAt, body)

	assert.Contains(t, body, `data: {"content":"Hello "}`)
	assert.Contains(t, body, `"session_id":"s2"`)
	assert.NotContains(t, body, "event: error")
}

func TestSessionArchive(t *testing.T) {
	s := newTestServer(t, testConfig())

	s.do(t, http.MethodPost, "/api/v1/chat", `{"query":"hi","session_id":"s3"}`)

	resp, body := s.do(t, http.MethodPost, "/api/v1/sessions/s3/archive", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, decode(t, body)["archived"])

	_, body = s.do(t, http.MethodGet, "/api/v1/sessions/s3/messages", "")
	assert.Empty(t, decode(t, body)["messages"])

	_, body = s.do(t, http.MethodGet, "/api/v1/sessions/s3/archive", "")
	assert.Len(t, decode(t, body)["messages"], 2)

	_, body = s.do(t, http.MethodGet, "/api/v1/sessions/s3/turns", "")
	assert.Len(t, decode(t, body)["turns"], 1)

	resp, body = s.do(t, http.MethodGet, "/api/v1/sessions/s3", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "s3", decode(t, body)["id"])

	resp, _ = s.do(t, http.MethodGet, "/api/v1/sessions/unknown", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestKnowledgeCRUD(t *testing.T) {
	s := newTestServer(t, testConfig())

	resp, body := s.do(t, http.MethodPost, "/api/v1/knowledge", `{"title":"Milvus","content":"Milvus is a vector database."}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	created := decode(t, body)
	id := created["id"].(string)

	resp, body = s.do(t, http.MethodGet, "/api/v1/knowledge/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Milvus", decode(t, body)["title"])

	resp, body = s.do(t, http.MethodPut, "/api/v1/knowledge/"+id, `{"content":"Milvus stores vectors."}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	updated := decode(t, body)
	assert.Equal(t, "Milvus stores vectors.", updated["content"])
	assert.Equal(t, created["created_at"], updated["created_at"])

	resp, body = s.do(t, http.MethodGet, "/api/v1/knowledge", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode(t, body)["documents"], 1)

	resp, body = s.do(t, http.MethodPost, "/api/v1/knowledge/search", `{"query":"milvus vectors"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, decode(t, body)["results"])

	resp, _ = s.do(t, http.MethodDelete, "/api/v1/knowledge/"+id, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/api/v1/knowledge/"+id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestKnowledgeCreateValidation(t *testing.T) {
	s := newTestServer(t, testConfig())

	resp, _ := s.do(t, http.MethodPost, "/api/v1/knowledge", `{"title":"","content":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestKnowledgeStoreNotReady(t *testing.T) {
	s := newTestServer(t, testConfig())
	s.vectors.SetReady(false)

	resp, _ := s.do(t, http.MethodPost, "/api/v1/knowledge", `{"title":"A","content":"B"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestUploadHTML(t *testing.T) {
	s := newTestServer(t, testConfig())

	html := `<html><head><title>Guide</title></head><body><p>Install the agent.</p></body></html>`
	payload, err := json.Marshal(map[string]string{"url": "https://docs.example.com/guide", "html_content": html})
	require.NoError(t, err)

	resp, body := s.do(t, http.MethodPost, "/api/v1/knowledge/html", string(payload))
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)

	docs := decode(t, body)["documents"].([]any)
	require.Len(t, docs, 1)
	assert.Equal(t, "Guide", docs[0].(map[string]any)["title"])

	resp, _ = s.do(t, http.MethodPost, "/api/v1/knowledge/html", `{"url":"not a url","html_content":"<p>x</p>"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestKnowledgeConfig(t *testing.T) {
	s := newTestServer(t, testConfig())

	resp, body := s.do(t, http.MethodPut, "/api/v1/knowledge/config", `{"max_documents":2,"similarity_threshold":7}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	out := decode(t, body)
	assert.EqualValues(t, 2, out["max_documents"])
	assert.EqualValues(t, 0.3, out["similarity_threshold"])

	_, body = s.do(t, http.MethodGet, "/api/v1/knowledge/config", "")
	assert.EqualValues(t, 2, decode(t, body)["max_documents"])
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, MaxRequestsPerMinute: 1}
	s := newTestServer(t, cfg)

	resp, _ := s.do(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestWebSocketRouteRequiresUpgrade(t *testing.T) {
	s := newTestServer(t, testConfig())

	resp, _ := s.do(t, http.MethodGet, "/api/v1/chat/ws", "")
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestEvaluate(t *testing.T) {
	s := newTestServer(t, testConfig())

	resp, body := s.do(t, http.MethodPost, "/api/v1/evaluate", `{"items":[{"query":"hello","expected_intent":"GREETING"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	out := decode(t, body)
	assert.EqualValues(t, 1, out["total_queries"])
	assert.EqualValues(t, 1, out["intent_accuracy"])

	resp, body = s.do(t, http.MethodPost, "/api/v1/evaluate?format=text", `{"items":[{"query":"hello","expected_intent":"GREETING"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Contains(t, body, "Intent Accuracy: 100.0%")

	resp, _ = s.do(t, http.MethodPost, "/api/v1/evaluate", `{"items":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
