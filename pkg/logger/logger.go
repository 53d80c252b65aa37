// Package logger provides named structured loggers for canopy subsystems.
//
// All loggers share a single zap core configured through Apply. Subsystems
// obtain their logger with New("engine"), New("gateway"), etc. The zero
// configuration logs at info level to stderr, which keeps stdout clean for
// command output and for the gateway wire.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logger configuration, loaded from the [log] table of the
// main configuration file.
type Config struct {
	Level   string `toml:"level"`   // debug, info, warn, error
	Output  string `toml:"output"`  // "stderr", "stdout", or a file path
	Format  string `toml:"format"`  // "console" or "logfmt"
	NoColor bool   `toml:"no_color"`
}

var (
	mu   sync.Mutex
	root *zap.Logger
)

func init() {
	root = build(&Config{})
}

// ParseLevel maps a level name to a zap level. Unknown names map to info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Apply reconfigures the shared core. Loggers returned by New before Apply
// keep their old core; call Apply before creating subsystem loggers.
func Apply(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	root = build(cfg)
}

// New returns a named logger backed by the shared core.
func New(name string) *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	return root.Named(name).Sugar()
}

func build(cfg *Config) *zap.Logger {
	if cfg == nil {
		cfg = &Config{}
	}

	sink := io.Writer(os.Stderr)
	toFile := false
	switch cfg.Output {
	case "", "stderr":
	case "stdout":
		sink = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			sink = f
			toFile = true
		}
	}

	color := !cfg.NoColor && !toFile
	if f, ok := sink.(*os.File); ok && color {
		color = isatty.IsTerminal(f.Fd())
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.NameKey = "name"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if color {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	var enc zapcore.Encoder
	switch cfg.Format {
	case "logfmt":
		encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		enc = zaplogfmt.NewEncoder(encCfg)
	default:
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(sink), ParseLevel(cfg.Level))
	return zap.New(core)
}
