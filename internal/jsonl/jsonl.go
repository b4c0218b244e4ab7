// Package jsonl implements the append-only newline-delimited JSON files the
// harvester keeps: the seen ledger, the new-URLs log and the job records log.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const maxLineSize = 16 << 20

// Writer appends JSON lines to a file opened for the duration of a run. Every
// Write and WriteBatch call is flushed and fsynced before it returns.
type Writer struct {
	path string
	f    *os.File
	bw   *bufio.Writer
	enc  *json.Encoder
}

func OpenWriter(path string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory for %s: %w", path, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	return &Writer{path: path, f: f, bw: bw, enc: enc}, nil
}

func (w *Writer) Path() string { return w.path }

func (w *Writer) Write(v any) error {
	if err := w.enc.Encode(v); err != nil {
		return fmt.Errorf("encoding line for %s: %w", w.path, err)
	}
	return w.sync()
}

func (w *Writer) WriteBatch(vs []any) error {
	if len(vs) == 0 {
		return nil
	}
	for _, v := range vs {
		if err := w.enc.Encode(v); err != nil {
			return fmt.Errorf("encoding line for %s: %w", w.path, err)
		}
	}
	return w.sync()
}

func (w *Writer) sync() error {
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("flushing %s: %w", w.path, err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", w.path, err)
	}
	return nil
}

func (w *Writer) Close() error {
	if w == nil || w.f == nil {
		return nil
	}
	flushErr := w.bw.Flush()
	closeErr := w.f.Close()
	w.f = nil
	return errors.Join(flushErr, closeErr)
}

// Scan calls fn for every non-blank line of path with its 1-based line number.
// A missing file is not an error. fn decides what a malformed line means.
func Scan(path string, fn func(lineNo int, line []byte)) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		fn(lineNo, line)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}
