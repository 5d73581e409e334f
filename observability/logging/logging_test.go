package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMaskField(t *testing.T) {
	if got := MaskField("jwt_secret", "hunter2"); got.Value.String() != RedactedValue {
		t.Fatalf("expected secret redacted, got %q", got.Value.String())
	}
	if got := MaskField("op", "borrow"); got.Value.String() != "borrow" {
		t.Fatalf("expected allowlisted key to pass through, got %q", got.Value.String())
	}
	if got := MaskField("token", ""); got.Value.String() != "" {
		t.Fatalf("expected empty value untouched, got %q", got.Value.String())
	}
}

func TestSetupWithFileWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lendingd.log")
	logger, closer := SetupWithFile("lendingd", "test", FileConfig{Path: path, MaxSizeMB: 1})
	logger.Info("ledger committed", "op", "deposit")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := strings.TrimSpace(strings.Split(strings.TrimSpace(string(raw)), "\n")[0])
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	if entry["message"] != "ledger committed" || entry["severity"] != "INFO" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["service"] != "lendingd" || entry["env"] != "test" || entry["op"] != "deposit" {
		t.Fatalf("missing attributes: %v", entry)
	}
}

func TestMaskFieldRedactsLoggedSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lendingd.log")
	logger, closer := SetupWithFile("lendingd", "test", FileConfig{Path: path, MaxSizeMB: 1})
	logger.Info("configuration loaded", MaskField("bank_token", "s3cret-token"), MaskField("webhook_secret", ""))
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(raw), "s3cret-token") {
		t.Fatalf("secret leaked into log: %s", raw)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &entry); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	if entry["bank_token"] != RedactedValue {
		t.Fatalf("expected redacted token, got %v", entry["bank_token"])
	}
	if entry["webhook_secret"] != "" {
		t.Fatalf("expected empty secret untouched, got %v", entry["webhook_secret"])
	}
}
