package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Archive mirrors audit events into hourly rotated JSONL files compressed
// with zstd. Files are named audit-YYYY-MM-DD-HH.jsonl.zst and the hour is
// taken from the event timestamp.
type Archive struct {
	baseDir string
	prefix  string
	logger  *slog.Logger

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewArchive(baseDir string, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{baseDir: baseDir, prefix: "audit", logger: logger}
}

func (a *Archive) Write(evt Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	hour := evt.Timestamp.UTC().Format("2006-01-02-15")
	if hour != a.curHour {
		if err := a.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if _, err := a.w.Write(b); err != nil {
		return err
	}
	if err := a.w.WriteByte('\n'); err != nil {
		return err
	}
	return a.w.Flush()
}

// Observe is an event observer for the store: archive failures are logged
// and never reach the component that appended the event.
func (a *Archive) Observe(evt Event) {
	if err := a.Write(evt); err != nil {
		a.logger.Warn("audit archive write failed", "event_type", evt.Type, "error", err)
	}
}

func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeLocked()
}

// PathForHour returns the archive file for an hour formatted as 2006-01-02-15.
func (a *Archive) PathForHour(hour string) string {
	return filepath.Join(a.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", a.prefix, hour))
}

func (a *Archive) rotateLocked(hour string) error {
	if err := a.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(a.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(a.PathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	a.f = f
	a.enc = enc
	a.w = bufio.NewWriterSize(enc, 64*1024)
	a.curHour = hour
	return nil
}

func (a *Archive) closeLocked() error {
	var err error
	if a.w != nil {
		_ = a.w.Flush()
	}
	if a.enc != nil {
		err = a.enc.Close()
		a.enc = nil
	}
	if a.f != nil {
		_ = a.f.Close()
		a.f = nil
	}
	a.w = nil
	a.curHour = ""
	return err
}
