package validation

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp() *fiber.App {
	app := fiber.New()
	app.Use(Middleware(Config{MaxQueryLength: 20, MaxDocumentSize: 64}))
	ok := func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) }
	app.Post("/api/v1/chat", ok)
	app.Post("/api/v1/knowledge", ok)
	app.Post("/api/v1/knowledge/html", ok)
	app.Get("/api/v1/chat/ws", ok)
	return app
}

func do(t *testing.T, app *fiber.App, method, path, body string) int {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestChatQueryChecks(t *testing.T) {
	app := newApp()
	tests := []struct {
		name string
		body string
		want int
	}{
		{"ok", `{"query":"update doc"}`, 204},
		{"sql words are fine", `{"query":"select from docs"}`, 204},
		{"missing", `{}`, 400},
		{"blank", `{"query":"   "}`, 400},
		{"too long", `{"query":"` + strings.Repeat("a", 21) + `"}`, 400},
		{"script", `{"query":"<script>x</script>"}`, 400},
		{"bad json", `{`, 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, do(t, app, "POST", "/api/v1/chat", tt.body))
		})
	}
}

func TestDocumentChecks(t *testing.T) {
	app := newApp()
	assert.Equal(t, 204, do(t, app, "POST", "/api/v1/knowledge", `{"title":"t","content":"c"}`))
	assert.Equal(t, 413, do(t, app, "POST", "/api/v1/knowledge", `{"content":"`+strings.Repeat("x", 80)+`"}`))
	assert.Equal(t, 400, do(t, app, "POST", "/api/v1/knowledge/html", `{"url":"ftp://x"}`))
	assert.Equal(t, 204, do(t, app, "POST", "/api/v1/knowledge/html", `{"url":"https://example.com/a"}`))
}

func TestSkipsReadsAndRejectsContentType(t *testing.T) {
	app := newApp()
	assert.Equal(t, 204, do(t, app, "GET", "/api/v1/chat/ws", ""))

	req := httptest.NewRequest("POST", "/api/v1/chat", strings.NewReader("query=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnsupportedMediaType, resp.StatusCode)
}
