package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// JSONLZstdWriter appends JSON lines to zstd segments under baseDir, one
// segment per UTC hour, named <prefix>-YYYY-MM-DD-HH.jsonl.zst. The first
// Write in a new hour closes the previous segment and opens the next one.
// Reopening an existing segment appends a new zstd frame to it, which
// readers decode as one stream.
//
// Every line is flushed through the encoder before Write returns, so a
// crash loses at most the unfinished zstd block.
//
// The hook set by OnSegmentClosed runs exactly once for each segment that is
// finished, by rotation or by Close, after the writer's lock is released.
// It may call back into the writer and may block (the mirror does).
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time
	onClose func(path string)

	mu      sync.Mutex
	curHour string
	curPath string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) OnSegmentClosed(fn func(path string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onClose = fn
}

// Path returns the segment currently open for writing, or "".
func (w *JSONLZstdWriter) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.curPath
}

// Close finishes the open segment. Closing an idle writer is a no-op.
func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	closed, err := w.closeLocked()
	hook := w.onClose
	w.mu.Unlock()
	notify(hook, closed)
	return err
}

func (w *JSONLZstdWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	closed, err := w.writeLocked(b)
	hook := w.onClose
	w.mu.Unlock()
	notify(hook, closed)
	return err
}

func (w *JSONLZstdWriter) writeLocked(line []byte) (closed string, err error) {
	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour || w.w == nil {
		if closed, err = w.rotateLocked(hour); err != nil {
			return closed, err
		}
	}
	if _, err := w.w.Write(line); err != nil {
		return closed, err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return closed, err
	}
	return closed, w.w.Flush()
}

func notify(hook func(string), path string) {
	if hook != nil && path != "" {
		hook(path)
	}
}

// rotateLocked opens the segment for hour and returns the path of the
// segment it finished, if any.
func (w *JSONLZstdWriter) rotateLocked(hour string) (string, error) {
	closed, err := w.closeLocked()
	if err != nil {
		return closed, err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return closed, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return closed, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return closed, err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	w.curPath = path
	return closed, nil
}

func (w *JSONLZstdWriter) closeLocked() (string, error) {
	var err error
	if w.w != nil {
		err = w.w.Flush()
	}
	if w.enc != nil {
		if cerr := w.enc.Close(); err == nil {
			err = cerr
		}
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	closed := w.curPath
	w.curPath = ""
	return closed, err
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}
