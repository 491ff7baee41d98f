// Package logging builds the zap logger used by every component.
package logging

import (
	"os"

	"github.com/juju/lumberjack/v2"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fentz26/mlflow-exim/internal/config"
)

// New builds a logger writing to stderr and, when cfg.OutputFile is set, to a
// size-rotated log file as well. The returned close function flushes and
// releases the file.
func New(cfg config.LogConfig) (*zap.Logger, func(), error) {
	level, err := zapcore.ParseLevel(orDefault(cfg.Level, "info"))
	if err != nil {
		return nil, nil, err
	}

	format := cfg.Format
	if format == "" {
		format = "json"
		if isatty.IsTerminal(os.Stderr.Fd()) {
			format = "console"
		}
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder(format), zapcore.Lock(os.Stderr), level),
	}

	var file *lumberjack.Logger
	if cfg.OutputFile != "" {
		file = &lumberjack.Logger{
			Filename:   cfg.OutputFile,
			MaxSize:    100, // MB
			MaxBackups: 5,
			Compress:   true,
		}
		// The file always gets JSON so it stays machine-readable.
		cores = append(cores, zapcore.NewCore(encoder("json"), zapcore.AddSync(file), level))
	}

	logger := zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.DPanicLevel),
	)
	closeFn := func() {
		_ = logger.Sync()
		if file != nil {
			_ = file.Close()
		}
	}
	return logger, closeFn, nil
}

func encoder(format string) zapcore.Encoder {
	if format == "console" {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		return zapcore.NewConsoleEncoder(ec)
	}
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(ec)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
