package cmd

import (
	"io"
	"log/slog"
	"strings"
)

// newLogger builds the daemon logger. The level lives in level so a config
// reload can change it.
func newLogger(cfg LogConfig, w io.Writer, level *slog.LevelVar) (*slog.Logger, error) {
	l, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	level.Set(l)

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
