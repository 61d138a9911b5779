package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Config controls logger initialization.
type Config struct {
	Format    string    // "json", "console", or "auto"
	Level     string    // "trace", "debug", "info", "warn", "error", "disabled"
	Component string    // optional component name
	Out       io.Writer // defaults to os.Stderr
}

var (
	mu            sync.RWMutex
	baseLogger    zerolog.Logger
	baseWriter    io.Writer = os.Stderr
	baseComponent string

	defaultTimeFmt = time.RFC3339
	consoleTimeFmt = "15:04:05"
)

var isTerminalFn = term.IsTerminal

func init() {
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
}

// Init configures zerolog globals and establishes the package baseline
// logger. Unknown levels and formats fall back to warn and json.
func Init(cfg Config) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}

	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	writer := selectWriter(cfg.Format, out)
	component := strings.TrimSpace(cfg.Component)

	contextBuilder := zerolog.New(writer).With().Timestamp()
	if component != "" {
		contextBuilder = contextBuilder.Str("component", component)
	}

	baseLogger = contextBuilder.Logger()
	baseWriter = writer
	baseComponent = component
	log.Logger = baseLogger

	return baseLogger
}

// InitFromConfig validates cfg before calling Init.
func InitFromConfig(cfg Config) (zerolog.Logger, error) {
	if _, ok := levels[normalize(cfg.Level)]; !ok {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q", cfg.Level)
	}
	switch normalize(cfg.Format) {
	case "", "auto", "json", "console":
	default:
		return zerolog.Logger{}, fmt.Errorf("invalid log format %q: use auto, json or console", cfg.Format)
	}
	return Init(cfg), nil
}

// WithRun tags logger with a fresh run_id so all lines from one invocation
// can be grouped.
func WithRun(logger zerolog.Logger) (zerolog.Logger, string) {
	runID := uuid.NewString()
	return logger.With().Str("run_id", runID).Logger(), runID
}

var levels = map[string]zerolog.Level{
	"":         zerolog.WarnLevel,
	"trace":    zerolog.TraceLevel,
	"debug":    zerolog.DebugLevel,
	"info":     zerolog.InfoLevel,
	"warn":     zerolog.WarnLevel,
	"warning":  zerolog.WarnLevel,
	"error":    zerolog.ErrorLevel,
	"fatal":    zerolog.FatalLevel,
	"panic":    zerolog.PanicLevel,
	"disabled": zerolog.Disabled,
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func parseLevel(level string) zerolog.Level {
	normalized := normalize(level)
	if lvl, ok := levels[normalized]; ok {
		return lvl
	}
	fmt.Fprintf(os.Stderr, "logging: invalid level %q; using %q\n", normalized, "warn")
	return zerolog.WarnLevel
}

func selectWriter(format string, out io.Writer) io.Writer {
	format = normalize(format)
	switch format {
	case "console":
		return newConsoleWriter(out)
	case "json":
		return out
	case "auto", "":
		if isTerminal(out) {
			return newConsoleWriter(out)
		}
		return out
	default:
		fmt.Fprintf(os.Stderr, "logging: invalid format %q; using %q\n", format, "json")
		return out
	}
}

func newConsoleWriter(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: consoleTimeFmt,
	}
}

func isTerminal(out io.Writer) bool {
	file, ok := out.(*os.File)
	if !ok || file == nil {
		return false
	}
	return isTerminalFn(int(file.Fd()))
}
