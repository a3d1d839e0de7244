package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a configuration string onto a slog level. Unknown values
// fall back to info so a typo never silences the daemon.
func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup installs a JSON handler as the process-wide logger and returns a
// logger tagged with the service name and environment. The standard library
// logger is redirected into the same stream so third-party packages logging
// through it stay structured.
func Setup(service, env, level string) *slog.Logger {
	return setup(os.Stdout, service, env, level)
}

func setup(out io.Writer, service, env, level string) *slog.Logger {
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: renameCoreAttrs,
	})

	base := slog.New(handler)
	if service = strings.TrimSpace(service); service != "" {
		base = base.With(slog.String("service", service))
	}
	if env = strings.TrimSpace(env); env != "" {
		base = base.With(slog.String("env", env))
	}
	slog.SetDefault(base)

	bridge := slog.NewLogLogger(base.Handler(), slog.LevelInfo)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

// renameCoreAttrs aligns the built-in slog keys with the field names the
// platform's log pipeline indexes on.
func renameCoreAttrs(_ []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.TimeKey:
		attr.Key = "timestamp"
	case slog.LevelKey:
		return slog.String("severity", strings.ToUpper(attr.Value.String()))
	case slog.MessageKey:
		attr.Key = "message"
	}
	return attr
}
