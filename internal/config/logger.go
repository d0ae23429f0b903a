// v1
// internal/config/logger.go
package config

import (
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
)

// InitLogger sets up slog to write to both stdout and autolock.log under
// LogDir. The stdlib logger is redirected to the same writer.
func InitLogger(cfg Config) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	_ = os.MkdirAll(cfg.LogDir, 0o755)
	fp := filepath.Join(cfg.LogDir, "autolock.log")
	f, err := os.OpenFile(fp, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		lg := slog.New(slog.NewTextHandler(os.Stdout, opts))
		lg.Error("log file open failed; using stdout only", "error", err)
		return lg, nopCloser{}
	}
	mw := io.MultiWriter(f, os.Stdout)
	lg := slog.New(slog.NewTextHandler(mw, opts))
	log.SetOutput(mw)
	return lg, f
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
