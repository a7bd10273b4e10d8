package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() {
		log.SetOutput(os.Stderr)
		_ = Setup("info", "text")
	})

	if err := Setup("debug", "json"); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}
	log.WithField("todo_id", "abc").Debug("projected")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "projected" || entry["todo_id"] != "abc" || entry["level"] != "debug" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestSetupRejectsUnknownValues(t *testing.T) {
	if err := Setup("loud", "text"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if err := Setup("info", "xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
