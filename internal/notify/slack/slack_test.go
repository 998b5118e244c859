package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/useir/internal/run"
	"github.com/linnemanlabs/useir/internal/seir"
)

func capture(t *testing.T, status int) (*httptest.Server, *map[string]any) {
	t.Helper()
	got := new(map[string]any)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func headerText(t *testing.T, blocks []any) string {
	t.Helper()
	return blocks[0].(map[string]any)["text"].(map[string]any)["text"].(string)
}

func completeRun() *run.Run {
	return &run.Run{
		ID:      "01JN123",
		Status:  run.StatusComplete,
		Outcome: seir.OutcomeConverged,
		Params:  seir.DefaultParams(),
		Config:  seir.DefaultConfig(),
		Summary: seir.Summary{
			Steps:  21001,
			Days:   210,
			PeakI:  0.2525,
			PeakIT: 96.9,
			FinalR: 0.966,
		},
		Duration:    1.7,
		CompletedAt: time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC),
	}
}

func TestSend_PostsToWebhook(t *testing.T) {
	t.Parallel()

	srv, got := capture(t, http.StatusOK)
	if err := New(srv.URL, log.Nop()).Send(context.Background(), completeRun()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	blocks, ok := (*got)["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}
	// header, divider, fields, divider, context
	if len(blocks) != 5 {
		t.Errorf("blocks count = %d, want 5", len(blocks))
	}

	header := headerText(t, blocks)
	if !strings.Contains(header, "Run Complete") || !strings.Contains(header, "R0=3.5") {
		t.Errorf("header text = %q", header)
	}
	if !strings.Contains(header, "\U0001f7e2") {
		t.Error("header should contain green circle for a converged run")
	}

	fields := blocks[2].(map[string]any)["fields"].([]any)
	first := fields[0].(map[string]any)["text"].(string)
	if !strings.Contains(first, "gamma(shape=5.5, scale=1)") {
		t.Errorf("exposed field = %q", first)
	}

	ctxText := blocks[4].(map[string]any)["elements"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(ctxText, "01JN123") || !strings.Contains(ctxText, "2026-02-26 14:23 UTC") {
		t.Errorf("context text = %q", ctxText)
	}
}

func TestSend_FailedRunIncludesError(t *testing.T) {
	t.Parallel()

	srv, got := capture(t, http.StatusOK)
	r := completeRun()
	r.Status = run.StatusFailed
	r.Outcome = seir.OutcomeFailed
	r.Error = strings.Repeat("x", 5000)

	if err := New(srv.URL, nil).Send(context.Background(), r); err != nil {
		t.Fatalf("Send: %v", err)
	}

	blocks := (*got)["blocks"].([]any)
	if len(blocks) != 7 {
		t.Fatalf("blocks count = %d, want 7", len(blocks))
	}
	if h := headerText(t, blocks); !strings.Contains(h, "Run Failed") || !strings.Contains(h, "\U0001f534") {
		t.Errorf("header text = %q", h)
	}
	text := blocks[4].(map[string]any)["text"].(map[string]any)["text"].(string)
	if len(text) > maxErrorLen+len("*Error*\n\n``````") {
		t.Errorf("error text length = %d, want truncated", len(text))
	}
	if !strings.Contains(text, "...") {
		t.Error("expected truncated error to contain ...")
	}
}

func TestSend_CappedRun(t *testing.T) {
	t.Parallel()

	srv, got := capture(t, http.StatusOK)
	r := completeRun()
	r.Outcome = seir.OutcomeCapped

	if err := New(srv.URL, log.Nop()).Send(context.Background(), r); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if h := headerText(t, (*got)["blocks"].([]any)); !strings.Contains(h, "Run Capped") || !strings.Contains(h, "\U0001f7e1") {
		t.Errorf("header text = %q", h)
	}
}

func TestSend_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	if err := New("", log.Nop()).Send(context.Background(), &run.Run{}); err != nil {
		t.Fatalf("Send with empty URL should be no-op, got: %v", err)
	}
}

func TestSend_Non2xx(t *testing.T) {
	t.Parallel()

	srv, _ := capture(t, http.StatusForbidden)
	err := New(srv.URL, log.Nop()).Send(context.Background(), completeRun())
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Errorf("err = %v, want webhook 403 error", err)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in    string
		limit int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.limit); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
		}
	}
}

var _ run.Notifier = (*Notifier)(nil)
