package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	chatservice "github.com/zhouzirui/voice-agent/backend/internal/service/chat"
)

func setupRouter() (*chi.Mux, *chatservice.Service) {
	chatSvc := chatservice.NewService(time.Hour)
	handler := New(chatSvc)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r, chatSvc
}

func TestGetSession(t *testing.T) {
	r, chatSvc := setupRouter()
	ctx := context.Background()
	_ = chatSvc.RecordTurn(ctx, "s1", "1", 2, "second question", "second answer")
	_ = chatSvc.RecordTurn(ctx, "s1", "1", 1, "first question", "first answer")

	req := httptest.NewRequest(http.MethodGet, "/sessions/s1", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var out struct {
		ID       string `json:"id"`
		Messages []struct {
			Turn    int    `json:"turn"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID != "s1" || len(out.Messages) != 4 {
		t.Fatalf("unexpected session %+v", out)
	}
	if out.Messages[0].Content != "first question" || out.Messages[3].Content != "second answer" {
		t.Fatalf("messages should be ordered by turn: %+v", out.Messages)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	r, _ := setupRouter()

	req := httptest.NewRequest(http.MethodGet, "/sessions/missing", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}
