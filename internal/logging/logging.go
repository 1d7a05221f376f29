// Package logging 构造结构化日志记录器
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DebugEnv 打开调试日志的环境变量
const DebugEnv = "TIER_DEBUG"

// Options 日志选项
type Options struct {
	// Path 日志文件路径，为空时只输出到 Output
	Path string
	// Output 控制台输出，默认 stderr
	Output io.Writer
	// Debug 输出调试级别日志；环境变量 TIER_DEBUG 也会打开它
	Debug bool
	// JSON 使用 JSON 编码
	JSON bool
}

// DebugEnabled 环境变量是否打开了调试日志
func DebugEnabled() bool {
	debug := os.Getenv(DebugEnv)
	return debug == "1" || debug == "true" || debug == "on"
}

// New 创建日志记录器
// 返回的 close 函数同步缓冲并关闭日志文件
func New(opts Options) (*zap.Logger, func() error, error) {
	level := zapcore.InfoLevel
	if opts.Debug || DebugEnabled() {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = ""
	var encoder zapcore.Encoder
	if opts.JSON {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.AddSync(out), level)}

	var file *os.File
	if opts.Path != "" {
		f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", opts.Path, err)
		}
		file = f
		fileEnc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(fileEnc, zapcore.AddSync(f), level))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	closeFn := func() error {
		_ = logger.Sync()
		if file != nil {
			return file.Close()
		}
		return nil
	}
	return logger, closeFn, nil
}

// Nop 返回丢弃所有输出的记录器
func Nop() *zap.Logger {
	return zap.NewNop()
}
