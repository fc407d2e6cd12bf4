package fsatomic

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestWriteRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	payload := []byte(`{"hello":"world"}`)
	if err := Write(path, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("content mismatch: %q", got)
	}

	next := []byte(`{"hello":"again"}`)
	if err := Write(path, next); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = os.ReadFile(path)
	if !bytes.Equal(got, next) {
		t.Fatalf("content after overwrite: %q", got)
	}
}

func TestWriteCreatesParentDir(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "deep", "nested", "state.json")
	if err := Write(path, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat: %v", err)
	}
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	for i := 0; i < 10; i++ {
		if err := Write(path, []byte("payload")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp.") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestConcurrentReaderSeesCompleteContent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.bin")
	oldContent := bytes.Repeat([]byte("a"), 4096)
	newContent := bytes.Repeat([]byte("b"), 4096)
	if err := Write(path, oldContent); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := 0; i < 200; i++ {
			content := oldContent
			if i%2 == 1 {
				content = newContent
			}
			if err := Write(path, content); err != nil {
				t.Errorf("write %d: %v", i, err)
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			wg.Wait()
			return
		default:
		}
		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !bytes.Equal(got, oldContent) && !bytes.Equal(got, newContent) {
			t.Fatalf("observed partial content, len=%d", len(got))
		}
	}
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "doc.json")
	if err := WriteJSON(path, map[string]int{"n": 42}); err != nil {
		t.Fatalf("write json: %v", err)
	}
	data, _ := os.ReadFile(path)
	var decoded map[string]int
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["n"] != 42 {
		t.Fatalf("n = %d want 42", decoded["n"])
	}
}

func TestAppendJSONL(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.jsonl")
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected missing file, got %v", err)
	}

	const n = 5
	for i := 0; i < n; i++ {
		if err := AppendJSONL(path, map[string]int{"seq": i}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) != n {
		t.Fatalf("lines = %d want %d", len(lines), n)
	}
	for i, line := range lines {
		var entry map[string]int
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("line %d not valid JSON: %v", i, err)
		}
		if entry["seq"] != i {
			t.Fatalf("line %d seq = %d want %d", i, entry["seq"], i)
		}
	}
}
