package app

import (
	"fmt"

	"petnames/internal/config"
	"petnames/internal/logging"
)

// NewLogger builds the process logger from the logging section.
func NewLogger(c config.LoggingConfig, component string) (*logging.Logger, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Format)
	if err != nil {
		return nil, err
	}
	l, err := logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     c.Output,
		FilePath:   config.ExpandPath(c.FilePath),
		MaxSizeMB:  int64(c.MaxSizeMB),
		MaxBackups: c.MaxBackups,
		Component:  component,
	})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return l, nil
}
