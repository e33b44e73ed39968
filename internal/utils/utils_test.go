package utils

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestMediaID(t *testing.T) {
	tmp, err := os.CreateTemp("", "media_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write([]byte("fake video content")); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	id, err := MediaID(tmp.Name())
	if err != nil || len(id) != 16 {
		t.Fatalf("Failed to generate ID: %q, %v", id, err)
	}

	// Verify Determinism
	id2, _ := MediaID(tmp.Name())
	if id != id2 {
		t.Errorf("Hash is not deterministic. Got %s, then %s", id, id2)
	}

	// Verify Sensitivity (Change content -> Change ID)
	f, _ := os.OpenFile(tmp.Name(), os.O_APPEND|os.O_WRONLY, 0644)
	f.Write([]byte(" modification"))
	f.Close()

	id3, _ := MediaID(tmp.Name())
	if id == id3 {
		t.Error("Hash did not change after file modification")
	}

	if _, err := MediaID(tmp.Name() + ".missing"); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestDieMessageIncludesWorkerLogs(t *testing.T) {
	s := NewSafeCommand("python3", "-c", "pass")
	s.Stderr.WriteString("ModuleNotFoundError: No module named 'face_recognition'")

	msg := DieMessage("Engine failed", errors.New("broken pipe"), s)
	for _, want := range []string{"ROLLCALL ERROR: Engine failed", "DETAILS: broken pipe", "PYTHON CRASH LOGS", "face_recognition"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected %q in message:\n%s", want, msg)
		}
	}

	if strings.Contains(DieMessage("plain", nil, nil), "DETAILS") {
		t.Error("Expected no details line without an error")
	}
}
