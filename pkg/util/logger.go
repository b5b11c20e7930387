package util

import (
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	once         sync.Once
	mu           sync.RWMutex
	logger       *zap.Logger
	loggerConfig *zap.Config
)

type LogLevel int

const (
	_ LogLevel = iota
	LOG_DEBUG_LEVEL
	LOG_INFO_LEVEL
)

func initLogger() {
	once.Do(func() {
		encoding := "json"
		if isatty.IsTerminal(os.Stdout.Fd()) {
			encoding = "console"
		}
		loggerConfig = &zap.Config{Encoding: encoding,
			Level:            zap.NewAtomicLevelAt(zapcore.InfoLevel),
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
			EncoderConfig: zapcore.EncoderConfig{
				MessageKey: "msg",

				LevelKey:    "level",
				EncodeLevel: zapcore.CapitalLevelEncoder,

				TimeKey:    "time",
				EncodeTime: zapcore.RFC3339TimeEncoder,

				CallerKey:    "caller",
				EncodeCaller: zapcore.ShortCallerEncoder,
			}}
		var err error
		logger, err = loggerConfig.Build()
		if err != nil {
			panic(err)
		}
	})
}

// Logger returns the process wide logger, building it on first use.
func Logger() *zap.Logger {
	initLogger()
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func LoggerLevel(lv LogLevel) {
	initLogger()
	switch lv {
	case LOG_DEBUG_LEVEL:
		loggerConfig.Level.SetLevel(zapcore.DebugLevel)
	case LOG_INFO_LEVEL:
		loggerConfig.Level.SetLevel(zapcore.InfoLevel)
	}
}

// LoggerOutputPaths set where the logs are written to.
// Paths receive values like "stdout" ,"stderr" or "path/to/file"
func LoggerOutputPaths(paths []string) error {
	initLogger()
	mu.Lock()
	defer mu.Unlock()
	loggerConfig.OutputPaths = paths
	l, err := loggerConfig.Build()
	if err != nil {
		return err
	}
	logger = l
	return nil
}
