// Package runner ejecuta las herramientas externas del pipeline como procesos
// hijos. Ofrece dos modos: Run captura stdout/stderr completos; Stream reenvía
// stdout línea a línea por un canal (para productores que se mezclan en vivo).
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"golang.org/x/sys/unix"

	apperrors "recon-engine/internal/platform/errors"
	"recon-engine/internal/platform/logx"
)

// Spec describe una invocación de herramienta externa.
type Spec struct {
	// Tool es el nombre lógico usado en logs y errores (p.ej. "httpx").
	Tool string
	// Argv es el comando completo; Argv[0] puede ser nombre o ruta absoluta.
	Argv []string
	// Stdin, si no es vacío, se escribe al proceso por entrada estándar.
	Stdin string
	// Dir es el working directory; debe existir. Vacío usa el cwd actual.
	Dir string
	// Env añade variables al entorno heredado.
	Env []string
	// Timeout limita la ejecución; <=0 usa el default de 120s.
	Timeout time.Duration
}

// Result es la captura completa de una ejecución terminada con código cero.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

const defaultTimeout = 120 * time.Second

// HasBin indica si un binario está disponible en PATH.
func HasBin(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// Run ejecuta la herramienta y captura su salida completa. Nunca devuelve un
// error "crudo" por exit code distinto de cero: los fallos se clasifican en
// ToolNotFound, PermissionDenied, Timeout o ExecError.
func Run(ctx context.Context, spec Spec) (Result, error) {
	if len(spec.Argv) == 0 {
		return Result{}, apperrors.NewInvalidArgument("argv", "comando vacío")
	}
	if spec.Dir != "" {
		info, err := os.Stat(spec.Dir)
		if err != nil || !info.IsDir() {
			return Result{}, apperrors.NewInvalidArgument("dir", fmt.Sprintf("%q no es un directorio", spec.Dir))
		}
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	killProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logx.Debug("Ejecutando comando", logx.Fields{
		"tool": toolName(spec),
		"args": strings.Join(spec.Argv[1:], " "),
		"dir":  cmd.Dir,
	})

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	res := Result{
		Stdout:   sanitizeUTF8(stdout.String()),
		Stderr:   sanitizeUTF8(stderr.String()),
		Duration: duration,
	}

	if err == nil {
		logx.Trace("Comando completado", logx.Fields{
			"tool":        toolName(spec),
			"duration_ms": duration.Milliseconds(),
		})
		return res, nil
	}

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return res, &apperrors.TimeoutError{Tool: toolName(spec), Duration: timeout}
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if errors.Is(err, exec.ErrNotFound) {
		return res, &apperrors.ToolNotFoundError{Binary: spec.Argv[0]}
	}
	if errors.Is(err, os.ErrPermission) {
		return res, &apperrors.PermissionDeniedError{Binary: spec.Argv[0]}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, apperrors.NewExecError(toolName(spec), res.ExitCode, res.Stderr, duration)
	}
	return res, err
}

// Stream ejecuta la herramienta reenviando stdout línea a línea al canal out.
// Respeta cancelación de contexto y no bloquea si el consumidor deja de leer
// tras cancelar. Stderr va a logs de debug.
func Stream(ctx context.Context, spec Spec, out chan<- string) error {
	if len(spec.Argv) == 0 {
		return apperrors.NewInvalidArgument("argv", "comando vacío")
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	killProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, _ := cmd.StderrPipe()

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return &apperrors.ToolNotFoundError{Binary: spec.Argv[0]}
		}
		if errors.Is(err, os.ErrPermission) {
			return &apperrors.PermissionDeniedError{Binary: spec.Argv[0]}
		}
		return err
	}

	// Escucha de stderr (debug), con buffer ampliado.
	go drainStderr(toolName(spec), stderr)

	// Algunas herramientas (httpx sobre todo) emiten líneas >64KiB.
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	lines := 0
readLoop:
	for sc.Scan() {
		line := sanitizeUTF8(sc.Text())
		// Envío context-aware: no quedar bloqueados si out no lee y el ctx cae.
		select {
		case <-runCtx.Done():
			break readLoop
		case out <- line:
			lines++
		}
	}
	if err := sc.Err(); err != nil && runCtx.Err() == nil {
		_ = cmd.Wait()
		return err
	}

	waitErr := cmd.Wait()

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return &apperrors.TimeoutError{Tool: toolName(spec), Duration: timeout}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return apperrors.NewExecError(toolName(spec), exitErr.ExitCode(), "", time.Since(start))
		}
		return waitErr
	}

	logx.Trace("Stream completado", logx.Fields{"tool": toolName(spec), "lines": lines})
	return nil
}

func drainStderr(tool string, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		logx.Debug("Stderr", logx.Fields{"tool": tool, "output": sc.Text()})
	}
}

// killProcessGroup aísla al hijo en su propio process group y, al cancelar,
// mata al grupo entero: las herramientas lanzan nietos que heredan los pipes
// y mantendrían Wait bloqueado más allá del timeout. WaitDelay cubre el caso
// de un nieto que sobrevive al kill con el pipe abierto.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = time.Second
}

func toolName(spec Spec) string {
	if spec.Tool != "" {
		return spec.Tool
	}
	return spec.Argv[0]
}

// sanitizeUTF8 reemplaza bytes inválidos; los streams binarios nunca deben
// tirar el parseo.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, string(utf8.RuneError))
}

// WithTimeout deriva un contexto con timeout en segundos; <=0 usa 120s.
func WithTimeout(parent context.Context, seconds int) (context.Context, context.CancelFunc) {
	if seconds <= 0 {
		seconds = 120
	}
	return context.WithTimeout(parent, time.Duration(seconds)*time.Second)
}
