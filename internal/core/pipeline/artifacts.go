package pipeline

import (
	"os"
	"path/filepath"
	"strings"
)

// Layout define el árbol de artefactos de un job bajo jobs/{job_id}/. Los
// archivos de texto son set-files de una entrada por línea; el directorio es
// la fuente de verdad para capturas y CSVs de leaks.
type Layout struct {
	Root string
}

// NewLayout ancla el layout de un job bajo el directorio base de jobs.
func NewLayout(jobsDir, jobID string) Layout {
	return Layout{Root: filepath.Join(jobsDir, jobID)}
}

// Ensure crea el directorio raíz del job y el de capturas.
func (l Layout) Ensure() error {
	if err := os.MkdirAll(l.Root, 0o755); err != nil {
		return err
	}
	return os.MkdirAll(l.ShotsDir(), 0o755)
}

// Subs es el set-file consolidado de subdominios descubiertos.
func (l Layout) Subs() string { return filepath.Join(l.Root, "subs.txt") }

// AmassRaw es la salida cruda de amass, previa al filtrado por apex.
func (l Layout) AmassRaw() string { return filepath.Join(l.Root, "amass_raw.txt") }

// AmassFiltered es la salida de amass ya filtrada al dominio del job.
func (l Layout) AmassFiltered() string { return filepath.Join(l.Root, "amass.txt") }

// Live archiva la salida JSONL cruda del prober, línea a línea.
func (l Layout) Live() string { return filepath.Join(l.Root, "live.txt") }

// LiveURLs es el set-file de URLs vivas (con esquema) tras el probe.
func (l Layout) LiveURLs() string { return filepath.Join(l.Root, "live_urls.txt") }

// WafResults es el JSON emitido por el fingerprinter de WAF.
func (l Layout) WafResults() string { return filepath.Join(l.Root, "waf_results.json") }

// URLsNoWaf es el set-file de URLs vivas sin WAF detectado.
func (l Layout) URLsNoWaf() string { return filepath.Join(l.Root, "urls_no_waf.txt") }

// LeakResultsDir es el directorio de CSVs por status del leak scanner.
func (l Layout) LeakResultsDir() string { return filepath.Join(l.Root, "leaks_results") }

// GowitnessInput es la lista de URLs que consume el capturador.
func (l Layout) GowitnessInput() string { return filepath.Join(l.Root, "urls_for_gowitness.txt") }

// ShotsDir es el directorio donde el capturador deja los PNG.
func (l Layout) ShotsDir() string { return filepath.Join(l.Root, "shots") }

// Remove borra el árbol completo de artefactos del job.
func (l Layout) Remove() error {
	return os.RemoveAll(l.Root)
}

// DecodeScreenshotURL reconstruye (de forma aproximada) la URL original a
// partir del nombre de archivo que emite el capturador, donde los separadores
// se aplanan a guiones. La decodificación es solo para mostrar: el guion es
// ambiguo entre '.', '/' y un guion literal del hostname.
func DecodeScreenshotURL(filename string) string {
	name := filename
	for _, ext := range []string{".png", ".jpeg", ".jpg"} {
		if strings.HasSuffix(name, ext) {
			name = strings.TrimSuffix(name, ext)
			break
		}
	}
	switch {
	case strings.HasPrefix(name, "https---"):
		return "https://" + strings.ReplaceAll(strings.TrimPrefix(name, "https---"), "-", ".")
	case strings.HasPrefix(name, "http---"):
		return "http://" + strings.ReplaceAll(strings.TrimPrefix(name, "http---"), "-", ".")
	}
	return name
}
