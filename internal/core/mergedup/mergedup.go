// Package mergedup mantiene set-files de líneas únicas: ficheros de texto con
// una entrada por línea donde varios productores pueden volcar resultados sin
// introducir duplicados. La serialización entre procesos concurrentes se hace
// con un flock advisory sobre un sidecar ".lock".
package mergedup

import (
	"bufio"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Merge añade al set-file target cada línea de lines que no esté ya presente.
// Devuelve cuántas líneas nuevas se escribieron. Líneas vacías o de solo
// whitespace se descartan; los terminadores se normalizan a '\n'.
func Merge(lines []string, target string) (added int, err error) {
	lock, err := acquireLock(target + ".lock")
	if err != nil {
		return 0, err
	}
	defer lock.release()

	existing, err := readSet(target)
	if err != nil {
		return 0, err
	}

	file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := file.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	writer := bufio.NewWriter(file)
	for _, raw := range lines {
		line := normalizeLine(raw)
		if line == "" {
			continue
		}
		if _, ok := existing[line]; ok {
			continue
		}
		existing[line] = struct{}{}
		if _, err := writer.WriteString(line); err != nil {
			return added, err
		}
		if err := writer.WriteByte('\n'); err != nil {
			return added, err
		}
		added++
	}
	if err := writer.Flush(); err != nil {
		return added, err
	}
	return added, nil
}

// MergeFile mezcla el contenido de source dentro de target (mismo contrato que
// Merge). Si source no existe no hace nada.
func MergeFile(source, target string) (int, error) {
	data, err := os.ReadFile(source)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return Merge(strings.Split(string(data), "\n"), target)
}

// ReadSet devuelve las líneas únicas del set-file, en orden de archivo.
// Un archivo inexistente equivale a un set vacío.
func ReadSet(target string) ([]string, error) {
	file, err := os.Open(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	seen := make(map[string]struct{})
	var out []string
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		line := normalizeLine(sc.Text())
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func readSet(target string) (map[string]struct{}, error) {
	lines, err := ReadSet(target)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		set[line] = struct{}{}
	}
	return set, nil
}

func normalizeLine(raw string) string {
	return strings.TrimSpace(strings.TrimRight(raw, "\r\n"))
}

type fileLock struct {
	file *os.File
}

func acquireLock(path string) (*fileLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		file.Close()
		return nil, err
	}
	return &fileLock{file: file}, nil
}

func (l *fileLock) release() {
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	_ = l.file.Close()
}
