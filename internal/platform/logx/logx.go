// Package logx centraliza el logging estructurado del motor sobre zerolog.
// Mantiene una API pequeña basada en Fields para que el resto del código no
// dependa directamente de zerolog.
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Level representa el nivel mínimo de logging.
type Level uint8

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

// Fields representa pares clave-valor para structured logging.
type Fields map[string]any

type state struct {
	mu     sync.RWMutex
	logger zerolog.Logger
	level  Level
}

var cfg = &state{
	logger: zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}).With().Timestamp().Logger(),
	level: LevelInfo,
}

// SetLevel cambia el nivel mínimo de logging.
func SetLevel(l Level) {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	cfg.level = l

	var zlevel zerolog.Level
	switch l {
	case LevelError:
		zlevel = zerolog.ErrorLevel
	case LevelWarn:
		zlevel = zerolog.WarnLevel
	case LevelInfo:
		zlevel = zerolog.InfoLevel
	case LevelDebug:
		zlevel = zerolog.DebugLevel
	case LevelTrace:
		zlevel = zerolog.TraceLevel
	default:
		zlevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(zlevel)
}

// ParseLevel convierte string a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error", "err":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info", "":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "trace":
		return LevelTrace, nil
	default:
		return 0, fmt.Errorf("logx: nivel desconocido %q", s)
	}
}

// SetOutput redirige la salida del logger. Con nil vuelve a stderr.
func SetOutput(w io.Writer) {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	cfg.logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
	}).With().Timestamp().Logger()
}

func event(e *zerolog.Event, msg string, fields []Fields) {
	for _, f := range fields {
		for k, v := range f {
			e = e.Interface(k, v)
		}
	}
	e.Msg(msg)
}

// logger copia el logger actual bajo lock; los niveles de zerolog requieren
// un receptor direccionable, así que los helpers lo atan a una local.
func logger() zerolog.Logger {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	return cfg.logger
}

// Trace registra un mensaje de nivel trace con fields opcionales.
func Trace(msg string, fields ...Fields) { l := logger(); event(l.Trace(), msg, fields) }

// Debug registra un mensaje de nivel debug con fields opcionales.
func Debug(msg string, fields ...Fields) { l := logger(); event(l.Debug(), msg, fields) }

// Info registra un mensaje de nivel info con fields opcionales.
func Info(msg string, fields ...Fields) { l := logger(); event(l.Info(), msg, fields) }

// Warn registra un mensaje de nivel warn con fields opcionales.
func Warn(msg string, fields ...Fields) { l := logger(); event(l.Warn(), msg, fields) }

// Error registra un mensaje de nivel error con fields opcionales.
func Error(msg string, fields ...Fields) { l := logger(); event(l.Error(), msg, fields) }

// Variantes formateadas, compatibles con la API anterior.

func Tracef(format string, args ...any) { l := logger(); l.Trace().Msgf(format, args...) }
func Debugf(format string, args ...any) { l := logger(); l.Debug().Msgf(format, args...) }
func Infof(format string, args ...any)  { l := logger(); l.Info().Msgf(format, args...) }
func Warnf(format string, args ...any)  { l := logger(); l.Warn().Msgf(format, args...) }
func Errorf(format string, args ...any) { l := logger(); l.Error().Msgf(format, args...) }
