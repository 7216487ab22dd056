package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestWithContext_AddsIDs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWithWriter("info", &buf)

	ctx := ContextWithJobID(ContextWithRequestID(context.Background(), "req-1"), "job-1")
	log.WithContext(ctx).Info("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if line["request_id"] != "req-1" || line["job_id"] != "job-1" || line["message"] != "hello" {
		t.Errorf("unexpected entry %v", line)
	}
	if _, ok := line["timestamp"]; !ok {
		t.Error("expected timestamp field")
	}
}

func TestRedactHook_MasksTokens(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWithWriter("info", &buf)

	secret := "EAAGsecret0123456789abcdefWXYZ"
	log.WithFields(map[string]any{"token": secret, "access_token": "short", "page": "nike"}).Info("fetch")

	out := buf.String()
	if strings.Contains(out, secret) || strings.Contains(out, `"short"`) {
		t.Fatalf("token leaked: %s", out)
	}
	if !strings.Contains(out, "EAAGse...WXYZ") || !strings.Contains(out, `"page":"nike"`) {
		t.Errorf("unexpected output %s", out)
	}
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWithWriter("loud", &buf)
	log.Debug("hidden")
	log.Info("shown")

	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("expected info level, got %s", buf.String())
	}
}
