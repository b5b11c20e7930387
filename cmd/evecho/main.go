package main

import (
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/vincentwuo/evloop/internal/echo"
	"github.com/vincentwuo/evloop/pkg/util"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type config struct {
	BindAddr        string
	WorkerNum       int
	ConcurrentLimit int64
	ReadSpeed       int
	IdleTimeout     int
	BufferSize      int
	Debug           bool
	LogOutput       []string
}

var (
	bindAddr        = flag.String("bind", "", "addr to accept clients on. Example: 0.0.0.0:8890")
	workerNum       = flag.Int("n", 0, "the number of worker loops. default 0 will set it to the number of CPU cores")
	concurrentLimit = flag.Int64("c", 0, "concurrent connection limit. '0' means no limit")
	readSpeed       = flag.Int("rmbps", 0, "mbyte per second read from all clients. '0' means no limit")
	idleTimeout     = flag.Int("idle", 300, "(unit:second) close connections idle for this long. '0' disables it")
	bufferSize      = flag.Int("buf", echo.DefaultBufferSize, "per read buffer size in bytes")
	debug           = flag.Bool("debug", false, "enable debug logging")
	configFile      = flag.String("f", "", "config file path. overrides the flags above")
)

func main() {
	flag.Parse()
	ctrlc := make(chan os.Signal, 1)
	signal.Notify(ctrlc, os.Interrupt, syscall.SIGTERM)

	cnf := config{
		BindAddr:        *bindAddr,
		WorkerNum:       *workerNum,
		ConcurrentLimit: *concurrentLimit,
		ReadSpeed:       *readSpeed,
		IdleTimeout:     *idleTimeout,
		BufferSize:      *bufferSize,
		Debug:           *debug,
	}
	if *configFile != "" {
		viper.SetConfigFile(*configFile)
		if err := viper.ReadInConfig(); err != nil {
			util.Logger().Fatal("read config file error", zap.Error(err))
		}
		if err := viper.Unmarshal(&cnf); err != nil {
			util.Logger().Fatal("unmarshal config file error", zap.Error(err))
		}
	}

	if cnf.Debug {
		util.LoggerLevel(util.LOG_DEBUG_LEVEL)
	}
	if len(cnf.LogOutput) > 0 {
		if err := util.LoggerOutputPaths(cnf.LogOutput); err != nil {
			util.Logger().Fatal("set log output error", zap.Error(err))
		}
	}
	if cnf.BindAddr == "" {
		util.Logger().Fatal("bind addr is empty")
	}
	if cnf.WorkerNum <= 0 {
		cnf.WorkerNum = runtime.NumCPU()
	}

	s, err := echo.NewServer(cnf.BindAddr,
		echo.WithWorkers(cnf.WorkerNum),
		echo.WithConnLimit(cnf.ConcurrentLimit),
		echo.WithReadLimit(float64(cnf.ReadSpeed)*1024*1024),
		echo.WithIdleTimeout(time.Duration(cnf.IdleTimeout)*time.Second),
		echo.WithBufferSize(cnf.BufferSize),
		echo.WithLogger(util.Logger()),
	)
	if err != nil {
		util.Logger().Fatal("create server error", zap.Error(err))
	}
	if err := s.Start(); err != nil {
		util.Logger().Fatal("start server error", zap.Error(err))
	}

	<-ctrlc
	util.Logger().Info("closing server...")
	if err := s.Close(); err != nil {
		util.Logger().Warn("close server", zap.Error(err))
	}
	received, sent := s.Traffic()
	util.Logger().Info("closing server...done", zap.Int64("received", received), zap.Int64("sent", sent))
}
