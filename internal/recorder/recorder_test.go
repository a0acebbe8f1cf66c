package recorder

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func traceFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	var names []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".jsonl" {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestRecorderWritesEvents(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir)
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}
	if err := rec.Start("test"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	rec.Log("request_sent", "sec-1", "req-1", map[string]interface{}{"webhook": "https://example.com"})
	rec.Log("response_applied", "sec-1", "req-1", nil)
	if err := rec.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	files := traceFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("trace files = %v, want exactly one", files)
	}

	f, err := os.Open(filepath.Join(dir, files[0]))
	if err != nil {
		t.Fatalf("open trace: %v", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad trace line %q: %v", scanner.Text(), err)
		}
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Type != "request_sent" || events[0].Key != "sec-1" || events[0].RequestID != "req-1" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Type != "response_applied" {
		t.Errorf("second event = %+v", events[1])
	}
}

func TestRecorderRotation(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir)
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}

	for i := 0; i < MaxRotatedFiles+2; i++ {
		if err := rec.Start("rotation"); err != nil {
			t.Fatalf("Start %d failed: %v", i, err)
		}
		rec.Log("tick", "", "", i)
		// Distinct mtimes and filenames between runs.
		time.Sleep(5 * time.Millisecond)
	}
	rec.Close()

	files := traceFiles(t, dir)
	if len(files) > MaxRotatedFiles {
		t.Errorf("trace files = %d, want at most %d: %v", len(files), MaxRotatedFiles, files)
	}
}

func TestRecorderNilSafety(t *testing.T) {
	var rec *Recorder

	if err := rec.Start("noop"); err != nil {
		t.Errorf("nil Start returned %v", err)
	}
	rec.Log("request_sent", "sec-1", "req-1", nil)
	if err := rec.Close(); err != nil {
		t.Errorf("nil Close returned %v", err)
	}
}

func TestRecorderLogBeforeStart(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir)
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}

	// No trace open yet; events are dropped, not fatal.
	rec.Log("request_sent", "sec-1", "req-1", nil)

	if files := traceFiles(t, dir); len(files) != 0 {
		t.Errorf("unexpected trace files: %v", files)
	}
}
