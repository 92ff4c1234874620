package testing

import (
	"io"
	"log/slog"
	"os"

	"github.com/malbeclabs/mtd/utils/pkg/logger"
)

// NewLogger returns a logger for tests. Output is discarded unless DEBUG is set.
func NewLogger() *slog.Logger {
	if os.Getenv("DEBUG") != "" {
		return logger.NewWithWriter(os.Stderr, true)
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
