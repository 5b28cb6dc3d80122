package logger

import "go.uber.org/zap/zapcore"

// newConsoleEncoder returns a calm, human-readable encoder: level, message,
// then tab-separated fields. No JSON braces, no color theming — this is for
// a developer's terminal, not a dashboard.
func newConsoleEncoder() zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		TimeKey:        "ts",
		NameKey:        "logger",
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	}
	return zapcore.NewConsoleEncoder(cfg)
}
