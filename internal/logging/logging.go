// Package logging builds the process root logger.
package logging

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"

	"bakerstreet/internal/config"
)

// New returns the root logger for name. Unknown levels fall back to info.
func New(name string, cfg config.Log) hclog.Logger {
	return NewWithOutput(name, cfg, os.Stderr)
}

func NewWithOutput(name string, cfg config.Log, w io.Writer) hclog.Logger {
	level := hclog.LevelFromString(cfg.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		Output:     w,
		JSONFormat: cfg.JSON,
	})
}
