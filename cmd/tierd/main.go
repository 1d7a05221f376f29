package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.lsp.dev/pkg/fakenet"
	"go.uber.org/zap"

	"github.com/tangzhangming/tiering/internal/config"
	"github.com/tangzhangming/tiering/internal/hostrpc"
	"github.com/tangzhangming/tiering/internal/logging"
	"github.com/tangzhangming/tiering/internal/tiering"
)

const Version = "0.1.0"

func main() {
	showVersion := flag.Bool("version", false, "显示版本信息")
	configPath := flag.String("config", "", "配置文件路径")
	logFile := flag.String("log", "", "日志文件路径（默认只输出到 stderr）")
	debug := flag.Bool("debug", false, "输出调试日志")

	flag.Parse()

	if *showVersion {
		fmt.Printf("tierd v%s\n", Version)
		os.Exit(0)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// stdout 用作传输，日志只能写 stderr 或文件
	log, closeLog, err := logging.New(logging.Options{Path: *logFile, Output: os.Stderr, Debug: *debug})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := hostrpc.New(tiering.Options{Config: cfg, Logger: log})
	log.Info("tierd started", zap.String("version", Version))

	serveErr := server.Serve(ctx, fakenet.NewConn("stdio", os.Stdin, os.Stdout))
	if err := server.Close(); err != nil {
		log.Warn("close controller", zap.Error(err))
	}
	log.Info("tierd stopped", zap.Error(serveErr))
	_ = closeLog()

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		os.Exit(1)
	}
}
