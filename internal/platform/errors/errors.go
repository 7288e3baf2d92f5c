// Package errors define los tipos de error de dominio del motor de escaneo.
// Cada capa clasifica sus fallos con estos tipos para que la API y el
// dispatcher puedan decidir código HTTP y política de reintento sin inspeccionar
// strings.
package errors

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"
)

// InvalidArgumentError indica entrada malformada del cliente (dominio inválido,
// modo desconocido, lista de URLs vacía tras filtrar).
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("argumento inválido %q: %s", e.Field, e.Reason)
}

// NewInvalidArgument crea un error de argumento inválido.
func NewInvalidArgument(field, reason string) error {
	return &InvalidArgumentError{Field: field, Reason: reason}
}

// NotFoundError indica que la entidad referenciada no existe.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q no encontrado", e.Entity, e.ID)
}

// NewNotFound crea un error de entidad inexistente.
func NewNotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// ConflictError indica un duplicado (p.ej. subdominio manual repetido).
type ConflictError struct {
	Entity string
	Key    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s duplicado: %s", e.Entity, e.Key)
}

// NewConflict crea un error de duplicado.
func NewConflict(entity, key string) error {
	return &ConflictError{Entity: entity, Key: key}
}

// --- Errores del tool runner -----------------------------------------------------

// ToolNotFoundError indica que el binario externo no está disponible.
type ToolNotFoundError struct {
	Binary string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("'%s' no encontrado en PATH", e.Binary)
}

// PermissionDeniedError indica que el binario existe pero no es ejecutable.
type PermissionDeniedError struct {
	Binary string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permiso denegado al ejecutar '%s'", e.Binary)
}

// TimeoutError indica que el proceso externo superó su deadline.
type TimeoutError struct {
	Tool     string
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timeout después de %s", e.Tool, e.Duration.Round(time.Second))
}

// ExecError indica salida con código distinto de cero. Stderr se trunca a 500
// caracteres para no arrastrar volcados completos a la base de datos.
type ExecError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Duration time.Duration
}

const execStderrLimit = 500

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("%s terminó con código %d tras %s", e.Tool, e.ExitCode, e.Duration.Round(time.Millisecond))
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// NewExecError crea un ExecError truncando stderr al límite documentado.
// El corte respeta límites de runa: el runner garantiza UTF-8 saneado y el
// truncado no debe romperlo.
func NewExecError(tool string, exitCode int, stderr string, duration time.Duration) *ExecError {
	stderr = strings.TrimSpace(stderr)
	if len(stderr) > execStderrLimit {
		cut := execStderrLimit
		for cut > 0 && !utf8.RuneStart(stderr[cut]) {
			cut--
		}
		stderr = stderr[:cut]
	}
	return &ExecError{Tool: tool, ExitCode: exitCode, Stderr: stderr, Duration: duration}
}

// ParseError indica un registro malformado en la salida de una herramienta.
// Siempre se recupera: el registro se descarta con un warning.
type ParseError struct {
	Tool   string
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("salida inválida de %s: %s (línea: %q)", e.Tool, e.Reason, truncate(e.Line, 80))
}

// --- Clasificación ---------------------------------------------------------------

// IsInvalidArgument verifica si un error es por argumento inválido.
func IsInvalidArgument(err error) bool {
	var target *InvalidArgumentError
	return errors.As(err, &target)
}

// IsNotFound verifica si un error es por entidad inexistente.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsConflict verifica si un error es por duplicado.
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// IsToolNotFound verifica si un error es por binario faltante.
func IsToolNotFound(err error) bool {
	var target *ToolNotFoundError
	return errors.As(err, &target)
}

// IsTimeout verifica si un error es por timeout de herramienta.
func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}

// IsRetryable clasifica fallos transitorios: errores de red, timeouts y fallos
// de E/S. El dispatcher solo reintenta la tarea de leak scan cuando esta
// función devuelve true.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsTimeout(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
