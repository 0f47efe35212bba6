// Package klog is the module-scoped logger used by every package in this
// repository. It follows the key/value calling convention used throughout
// (logger.Info("message", "key", val, ...)), backed by go.uber.org/zap
// rather than a hand-rolled handler chain.
package klog

import (
	"os"
	"sync"

	"github.com/mattn/go-colorable"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	rootOnce sync.Once
	root     *zap.Logger
)

// Module is the name of a logical subsystem, mirrored in every log line via
// a "module" field so a single process running several chain cores can be
// grepped apart.
type Module string

const (
	ModuleRPCGateway    Module = "rpcgateway"
	ModuleDecoder       Module = "decoder"
	ModulePolicy        Module = "policy"
	ModulePending       Module = "pending"
	ModuleConfirmation  Module = "confirmation"
	ModuleOutbox        Module = "outbox"
	ModuleWebhook       Module = "webhook"
	ModuleRegistry      Module = "registry"
	ModuleHeadLoop      Module = "headloop"
	ModuleStats         Module = "stats"
	ModuleCore          Module = "core"
	ModuleConfig        Module = "config"
	ModuleCLI           Module = "cli"
)

// SetDebug switches the root logger between a human-readable colorized
// console encoder (debug) and compact JSON (production). Call once at
// startup before any Logger is built.
func SetDebug(debug bool) {
	root = buildRoot(debug)
}

func buildRoot(debug bool) *zap.Logger {
	level := zapcore.InfoLevel
	encCfg := zap.NewProductionEncoderConfig()
	var enc zapcore.Encoder
	if debug {
		level = zapcore.DebugLevel
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	sink := zapcore.AddSync(colorable.NewColorable(os.Stderr))
	core := zapcore.NewCore(enc, sink, level)
	return zap.New(core)
}

func rootLogger() *zap.Logger {
	rootOnce.Do(func() {
		if root == nil {
			root = buildRoot(false)
		}
	})
	return root
}

// Logger is a leveled, key/value logger scoped to one module.
type Logger struct {
	z *zap.SugaredLogger
}

// New returns the module logger for mod, creating the process-wide root
// logger on first use.
func New(mod Module) *Logger {
	return &Logger{z: rootLogger().Sugar().With("module", string(mod))}
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.z.Debugw(msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.z.Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.z.Warnw(msg, kv...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.z.Errorw(msg, kv...) }

// Crit logs at error level and exits the process, matching the common
// logger.Crit convention for unrecoverable startup failures.
func (l *Logger) Crit(msg string, kv ...interface{}) {
	l.z.Errorw(msg, kv...)
	os.Exit(1)
}

// Sync flushes any buffered log entries; callers invoke it on shutdown.
func Sync() {
	if root != nil {
		_ = root.Sync()
	}
}
