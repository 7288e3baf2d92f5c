package parsers

import (
	"bufio"
	"encoding/csv"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"recon-engine/internal/platform/logx"
)

// Severity clasifica un hallazgo de leak.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// LeakRecord es un archivo expuesto encontrado por el brute-forcer de rutas.
type LeakRecord struct {
	BaseURL    string
	FileURL    string
	FileType   string
	Severity   Severity
	FileSize   int
	HTTPStatus int
}

// leakStdoutPattern reconoce las líneas de progreso del brute-forcer:
// "[200] 1024 0.35s text/html https://example.com/.git/config"
var leakStdoutPattern = regexp.MustCompile(`^\[(\d{3})\]\s+(\d+)\s+([\d.]+)s\s+(\S+)\s+(\S+)$`)

// Patrones de upgrade de severidad sobre el path de la URL.
var (
	criticalPathHints = []string{".sql", ".env", ".git/config", "backup", "database"}
	archivePathHints  = []string{".zip", ".tar", ".rar", ".bak", ".7z"}
)

// SeverityFor deriva la severidad de un hallazgo a partir del status HTTP y la
// URL. Es una función pura: base por status (200=high, 403=medium, resto=low)
// más upgrades por patrón de archivo sensible.
func SeverityFor(status int, fileURL string) Severity {
	var sev Severity
	switch status {
	case 200:
		sev = SeverityHigh
	case 403:
		sev = SeverityMedium
	default:
		sev = SeverityLow
	}

	path := strings.ToLower(pathOf(fileURL))
	for _, hint := range criticalPathHints {
		if strings.Contains(path, hint) {
			// medium→high, low→medium; high se queda high.
			switch sev {
			case SeverityMedium:
				return SeverityHigh
			case SeverityLow:
				return SeverityMedium
			}
			return sev
		}
	}
	for _, hint := range archivePathHints {
		if strings.Contains(path, hint) {
			if sev == SeverityLow {
				return SeverityMedium
			}
			return sev
		}
	}
	return sev
}

// ParseLeakStdout procesa el stream en vivo del brute-forcer. Los hallazgos
// con status 404 se descartan; nunca se persisten como leaks.
func ParseLeakStdout(r io.Reader) []LeakRecord {
	var out []LeakRecord

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		m := leakStdoutPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		status, _ := strconv.Atoi(m[1])
		if status == 404 {
			continue
		}
		size, _ := strconv.Atoi(m[2])
		out = append(out, newLeakRecord(status, size, m[4], m[5]))
	}
	if err := sc.Err(); err != nil {
		logx.Warn("scan truncado", logx.Fields{"source": "leak-brute", "error": err.Error()})
	}
	return out
}

// ParseLeakCSVDir recorre los CSV por status ({status}.csv con columnas
// Code,Length,Time,Type,URL) y devuelve los hallazgos cuya URL no esté ya en
// seen. El archivo 404.csv se ignora por completo; el stream de stdout tiene
// preferencia sobre los CSV.
func ParseLeakCSVDir(dir string, seen map[string]struct{}) []LeakRecord {
	matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		logx.Warn("glob de resultados leak falló", logx.Fields{"dir": dir, "error": err.Error()})
		return nil
	}

	var out []LeakRecord
	for _, path := range matches {
		if strings.TrimSuffix(filepath.Base(path), ".csv") == "404" {
			continue
		}
		out = append(out, parseLeakCSV(path, seen)...)
	}
	return out
}

func parseLeakCSV(path string, seen map[string]struct{}) []LeakRecord {
	file, err := os.Open(path)
	if err != nil {
		logx.Warn("no se pudo abrir CSV de leaks", logx.Fields{"path": path, "error": err.Error()})
		return nil
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	var out []LeakRecord
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			logx.Warn("fila CSV malformada, descartada", logx.Fields{"path": path, "error": err.Error()})
			continue
		}
		if len(row) < 5 {
			continue
		}
		// Saltar cabecera.
		if strings.EqualFold(strings.TrimSpace(row[0]), "code") {
			continue
		}
		status, err := strconv.Atoi(strings.TrimSpace(row[0]))
		if err != nil || status == 404 {
			continue
		}
		fileURL := strings.TrimSpace(row[4])
		if fileURL == "" {
			continue
		}
		if seen != nil {
			if _, ok := seen[fileURL]; ok {
				continue
			}
			seen[fileURL] = struct{}{}
		}
		size, _ := strconv.Atoi(strings.TrimSpace(row[1]))
		out = append(out, newLeakRecord(status, size, strings.TrimSpace(row[3]), fileURL))
	}
	return out
}

func newLeakRecord(status, size int, fileType, fileURL string) LeakRecord {
	return LeakRecord{
		BaseURL:    baseOf(fileURL),
		FileURL:    fileURL,
		FileType:   fileType,
		Severity:   SeverityFor(status, fileURL),
		FileSize:   size,
		HTTPStatus: status,
	}
}

// baseOf devuelve scheme://host de una URL; si no parsea, la URL entera.
func baseOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return rawURL
	}
	return u.Scheme + "://" + u.Host
}

func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}
