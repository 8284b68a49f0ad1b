package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSanitizeArgsFingerprintsDisallowedIDs(t *testing.T) {
	args := SanitizeArgs(
		"user_id", "cl_user_123",
		"message_id", "msg_123",
		"kind", "direct",
	)
	if len(args) != 6 {
		t.Fatalf("unexpected args length: %d", len(args))
	}
	if got := args[0]; got != "user_id_fp" {
		t.Fatalf("unexpected key: %v", got)
	}
	if got := args[1].(string); !strings.HasPrefix(got, "fp_") {
		t.Fatalf("unexpected fingerprint value: %q", got)
	}
	if got := args[4]; got != "kind" {
		t.Fatalf("expected untouched key, got %v", got)
	}
}

func TestSanitizingHandlerRedactsSensitiveAndIDs(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(WrapHandler(base))
	logger.Info("test", "user_id", "cl_user_123", "api_token", "secret", "status", "ok")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if _, ok := payload["user_id"]; ok {
		t.Fatal("user_id should not be present")
	}
	if _, ok := payload["user_id_fp"]; !ok {
		t.Fatal("user_id_fp should be present")
	}
	if got, _ := payload["api_token"].(string); got != redactedValue {
		t.Fatalf("expected redacted token, got %q", got)
	}
}

func TestSanitizingHandlerRedactsKeyMaterial(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("test", "wrapped_key_b64", "AAAA", "recovery_code", "3mJr7...", "purged", 3)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if got, _ := payload["wrapped_key_b64"].(string); got != redactedValue {
		t.Fatalf("expected redacted wrapped key, got %q", got)
	}
	if got, _ := payload["recovery_code"].(string); got != redactedValue {
		t.Fatalf("expected redacted recovery code, got %q", got)
	}
	if got, _ := payload["purged"].(float64); got != 3 {
		t.Fatalf("expected numeric attr untouched, got %v", payload["purged"])
	}
}

func TestSanitizingHandlerImplementsSlogHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("conversation_id", "dc_a:b"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !strings.Contains(buf.String(), "conversation_id_fp") {
		t.Fatalf("expected sanitized conversation_id key, got %s", buf.String())
	}
}
