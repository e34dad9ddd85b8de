package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAlert() Alert {
	return Alert{
		ID:        "a-1",
		Type:      TypeConsecutiveFailures,
		SourceID:  "S1",
		Severity:  SeverityError,
		Message:   "source S1 failed 3 times in a row",
		Timestamp: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
		Data:      map[string]any{"threshold": 3, "consecutive_failures": 3},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, "", time.Second, testLogger())
	require.NoError(t, notifier.Notify(context.Background(), sampleAlert()))

	assert.Equal(t, "chat", received["chat_id"])
	assert.Contains(t, received["text"], "[citypulse ERROR]")
	assert.Contains(t, received["text"], "Source: S1")
	assert.Contains(t, received["text"], "consecutive_failures: 3")
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, "", time.Second, testLogger())
	assert.Error(t, notifier.Notify(context.Background(), sampleAlert()), "ok=false 应报错")
}

func TestTelegramNotifierStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, "ops", time.Second, testLogger())
	err := notifier.Notify(context.Background(), sampleAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
