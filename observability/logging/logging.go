package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

func jsonHandlerOptions() *slog.HandlerOptions {
	return &slog.HandlerOptions{
		AddSource: false,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			}
			if attr.Key == slog.LevelKey {
				level := strings.ToUpper(attr.Value.String())
				return slog.String("severity", level)
			}
			if attr.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	}
}

func serviceAttrs(service, env string) []slog.Attr {
	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	return attrs
}

func attachServiceAttrs(handler slog.Handler, service, env string) *slog.Logger {
	attrs := serviceAttrs(service, env)
	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}
	return slog.New(handler).With(withArgs...)
}

// bridgeStdlibLogger routes the standard library log package's output
// through the same JSON handler so third-party code that still calls
// log.Printf continues to produce structured lines.
func bridgeStdlibLogger(handler slog.Handler, service, env string) {
	attrs := serviceAttrs(service, env)
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")
}

// SetupWithRing behaves like Setup but additionally layers a bounded
// in-memory ring buffer (component J) on top of the JSON handler, returning
// it so the HTTP boundary can serve /api/server-logs from it.
func SetupWithRing(service, env, source string) (*slog.Logger, *Ring) {
	base := slog.NewJSONHandler(os.Stdout, jsonHandlerOptions())
	buf := NewRing()
	wrapped := NewHandler(base, buf, source)
	logger := attachServiceAttrs(wrapped, service, env)
	slog.SetDefault(logger)
	bridgeStdlibLogger(base, service, env)
	return logger, buf
}

// Setup configures the standard library logger to emit structured JSON and returns
// the underlying slog.Logger for richer logging within the service. All log lines
// include the service name and environment when provided.
func Setup(service, env string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, jsonHandlerOptions())
	base := attachServiceAttrs(handler, service, env)
	slog.SetDefault(base)
	bridgeStdlibLogger(handler, service, env)
	return base
}
