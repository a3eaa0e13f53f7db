package observe

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger at the given level. Development mode switches
// to the console encoder.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	parsed := zapcore.InfoLevel
	if trimmed := strings.TrimSpace(level); trimmed != "" {
		lvl, err := zapcore.ParseLevel(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		parsed = lvl
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	return cfg.Build()
}
