package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestWithContextAttachesTraceFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput("gateway", "debug", "json", &buf)

	ctx := WithTraceID(context.Background(), "trace-123")
	ctx = WithUserID(ctx, "user-9")
	ctx = WithSurface(ctx, "client")

	logger.WithContext(ctx).Info("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	for key, want := range map[string]string{
		"service":  "gateway",
		"trace_id": "trace-123",
		"user_id":  "user-9",
		"surface":  "client",
		"msg":      "hello",
	} {
		if entry[key] != want {
			t.Errorf("%s = %v, want %s", key, entry[key], want)
		}
	}
}

func TestLogRequestLevelsByStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput("gateway", "info", "json", &buf)

	logger.LogRequest(context.Background(), http.MethodGet, "/x", 503, 5*time.Millisecond)
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Fatalf("5xx should log at error: %s", buf.String())
	}

	buf.Reset()
	logger.LogRequest(context.Background(), http.MethodGet, "/x", 429, time.Millisecond)
	if !strings.Contains(buf.String(), `"level":"warning"`) {
		t.Fatalf("4xx should log at warning: %s", buf.String())
	}
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	logger := NewWithOutput("svc", "loud", "text", &bytes.Buffer{})
	if logger.GetLevel().String() != "info" {
		t.Fatalf("level = %s, want info", logger.GetLevel())
	}
}

func TestContextHelpersOnEmptyContext(t *testing.T) {
	ctx := context.Background()
	if GetTraceID(ctx) != "" || GetUserID(ctx) != "" || GetRole(ctx) != "" || GetSurface(ctx) != "" {
		t.Fatal("expected empty values")
	}
	if NewTraceID() == NewTraceID() {
		t.Fatal("trace ids must be unique")
	}
}
