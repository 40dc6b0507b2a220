package main

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

type logType string

const (
	logTypeAuto logType = ""
	logTypeDev  logType = "dev"
	logTypeProd logType = "prod"
)

func (l *logType) String() string {
	switch *l {
	case logTypeDev:
		return "development"
	case logTypeProd:
		return "production"
	}
	return "auto"
}

func (l *logType) Set(s string) error {
	switch ss := strings.ToLower(s); {
	case strings.HasPrefix(ss, "dev"):
		*l = logTypeDev
	case strings.HasPrefix(ss, "pro"):
		*l = logTypeProd
	case ss == "auto":
		*l = logTypeAuto
	default:
		return fmt.Errorf("unknown log type %q, try [dev|prod]", s)
	}
	return nil
}

func (l *logType) Type() string { return "logType" }

// logLevel adapts a zapcore.Level to pflag.Value.
type logLevel struct{ zapcore.Level }

func (l *logLevel) Type() string { return "level" }

var (
	logTypeFlag  logType
	logLevelFlag = logLevel{zapcore.InfoLevel}
)

// setupLogs builds the logger selected by --log-type and --log-level.
// The returned level can be changed while the logger is in use.
func setupLogs() (*zap.Logger, zap.AtomicLevel, error) {
	lt := logTypeFlag
	if lt == logTypeAuto {
		if term.IsTerminal(int(os.Stderr.Fd())) {
			lt = logTypeDev
		} else {
			lt = logTypeProd
		}
	}

	level := zap.NewAtomicLevelAt(logLevelFlag.Level)
	var config zap.Config
	if lt == logTypeDev {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	config.Level = level

	log, err := config.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, level, fmt.Errorf("building %s logger: %w", lt.String(), err)
	}
	log.Debug(fmt.Sprintf("Zap %s logging at %s", lt.String(), config.Level))
	return log, level, nil
}
