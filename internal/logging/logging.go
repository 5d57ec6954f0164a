package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Config controls logger initialization.
type Config struct {
	Format    string // "json", "console", or "auto"
	Level     string // "debug", "info", "warn", "error"
	Component string // optional component name, e.g. "worker"
}

var defaultTimeFmt = time.RFC3339

func init() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Init configures zerolog globals and establishes the package baseline logger.
// Extra writers (the database sink) are fanned out alongside stderr.
func Init(cfg Config, extra ...io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	writer := selectWriter(cfg.Format)
	if len(extra) > 0 {
		writers := append([]io.Writer{writer}, extra...)
		writer = io.MultiWriter(writers...)
	}

	builder := zerolog.New(writer).With().Timestamp()
	if component := strings.TrimSpace(cfg.Component); component != "" {
		builder = builder.Str("component", component)
	}

	log.Logger = builder.Logger()
	return log.Logger
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled":
		return zerolog.Disabled
	default:
		fmt.Fprintf(os.Stderr, "logging: invalid level %q; using %q\n", level, "info")
		return zerolog.InfoLevel
	}
}

func selectWriter(format string) io.Writer {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console":
		return newConsoleWriter(os.Stderr)
	case "json":
		return os.Stderr
	case "auto", "":
		if isTerminal(os.Stderr) {
			return newConsoleWriter(os.Stderr)
		}
		return os.Stderr
	default:
		fmt.Fprintf(os.Stderr, "logging: invalid format %q; using %q\n", format, "json")
		return os.Stderr
	}
}

func newConsoleWriter(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: defaultTimeFmt,
	}
}

func isTerminal(file *os.File) bool {
	if file == nil {
		return false
	}
	return term.IsTerminal(int(file.Fd()))
}
