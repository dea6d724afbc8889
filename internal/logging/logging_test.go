package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMiddlewareLogsRequest(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	prev := globalLogger.Load()
	globalLogger.Store(zap.New(core))
	t.Cleanup(func() { globalLogger.Store(prev) })

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if WithContext(r.Context()) == L() {
			t.Error("expected request-scoped logger in context")
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("File not found!"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	req.Header.Set("X-Request-ID", "abc")
	h.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("request").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 request log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusNotFound) {
		t.Errorf("status field = %v", fields["status"])
	}
	if fields["size"] != int64(len("File not found!")) {
		t.Errorf("size field = %v", fields["size"])
	}
	if fields["request_id"] != "abc" {
		t.Errorf("request_id field = %v", fields["request_id"])
	}
}

func TestInitLevels(t *testing.T) {
	prev := globalLogger.Load()
	t.Cleanup(func() { globalLogger.Store(prev) })

	if err := Init(Config{Level: "warn", Format: "json"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if L().Core().Enabled(zap.InfoLevel) {
		t.Error("info should be disabled at warn level")
	}
	if err := Init(Config{Level: "bogus"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !L().Core().Enabled(zap.InfoLevel) {
		t.Error("unknown level should fall back to info")
	}
}
