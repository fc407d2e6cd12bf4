// Package fsatomic writes files so that concurrent readers only ever
// observe fully-old or fully-new content. The new content is written to a
// uniquely named temporary file in the target's directory and renamed onto
// the target; rename within one filesystem is the atomicity boundary.
package fsatomic

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/xid"
)

// Write atomically replaces the content of path with data. The parent
// directory is created when missing. Concurrent writers to the same path
// race on the final rename and the last rename wins.
func Write(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fsatomic: ensure dir %s: %w", dir, err)
	}
	tmp := tempName(path)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("fsatomic: create temp %s: %w", tmp, err)
	}
	moved := false
	defer func() {
		if !moved {
			_ = os.Remove(tmp)
		}
	}()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("fsatomic: write temp %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("fsatomic: sync temp %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("fsatomic: close temp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("fsatomic: rename onto %s: %w", path, err)
	}
	moved = true
	syncDir(dir)
	return nil
}

// WriteJSON serializes v and writes it atomically to path.
func WriteJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("fsatomic: marshal for %s: %w", path, err)
	}
	return Write(path, data)
}

// AppendJSONL appends one JSON-encoded line to path, rewriting the whole
// file atomically. A missing file is treated as empty; the underlying
// filesystem is never assumed to support atomic appends.
func AppendJSONL(path string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("fsatomic: marshal for %s: %w", path, err)
	}
	current, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("fsatomic: read %s: %w", path, err)
	}
	var buf bytes.Buffer
	buf.Grow(len(current) + len(line) + 1)
	buf.Write(current)
	if n := len(current); n > 0 && current[n-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.Write(line)
	buf.WriteByte('\n')
	return Write(path, buf.Bytes())
}

// tempName derives a collision-free temp path in the target's directory.
// The pid and timestamp make crash leftovers attributable; the xid suffix
// separates concurrent writers within one process.
func tempName(path string) string {
	return fmt.Sprintf("%s.tmp.%d.%d.%s", path, os.Getpid(), time.Now().UnixMilli(), xid.New().String())
}

// syncDir flushes the directory entry after a rename. Best effort: some
// platforms and filesystems reject fsync on directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
