// Package leakscan ejecuta el escaneo selectivo de archivos expuestos sobre
// los hosts vivos de un job ya completado. Es la única etapa que corre bajo
// demanda: la dispara la API, nunca el pipeline.
package leakscan

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"recon-engine/internal/core/mergedup"
	"recon-engine/internal/core/parsers"
	"recon-engine/internal/core/pipeline"
	"recon-engine/internal/core/runner"
	"recon-engine/internal/platform/config"
	apperrors "recon-engine/internal/platform/errors"
	"recon-engine/internal/platform/logx"
	"recon-engine/internal/storage"
)

// Seam para tests.
var runTool = runner.Run

// Result resume un escaneo de leaks terminado.
type Result struct {
	URLsScanned int    `json:"urls_scanned"`
	LeaksFound  int    `json:"leaks_found"`
	Mode        string `json:"mode"`
}

// Store es la porción del repositorio que consume el scanner.
type Store interface {
	BulkInsertLeakDetections(ctx context.Context, scanJobID int64, recs []parsers.LeakRecord) error
}

// Scanner orquesta el brute-forcer de rutas contra los artefactos de un job.
type Scanner struct {
	cfg   *config.Config
	store Store
}

// New construye el scanner.
func New(cfg *config.Config, store Store) *Scanner {
	return &Scanner{cfg: cfg, store: store}
}

// LiveTargets devuelve las URLs registradas como campo url en el live.txt del
// job, en orden y sin duplicados. Es el universo contra el que se filtra un
// subconjunto solicitado.
func LiveTargets(jobsDir, jobID string) ([]string, error) {
	file, err := os.Open(pipeline.NewLayout(jobsDir, jobID).Live())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NewInvalidArgument("live.txt", "el job no tiene resultados de probe")
		}
		return nil, err
	}
	defer file.Close()

	seen := make(map[string]struct{})
	var out []string
	for _, rec := range parsers.ParseHTTPX(file) {
		if _, ok := seen[rec.URL]; ok {
			continue
		}
		seen[rec.URL] = struct{}{}
		out = append(out, rec.URL)
	}
	return out, nil
}

// FilterRequested recorta requested al subconjunto presente en live; las URLs
// ajenas al job se descartan en silencio.
func FilterRequested(requested, live []string) []string {
	known := make(map[string]struct{}, len(live))
	for _, u := range live {
		known[u] = struct{}{}
	}
	var subset []string
	for _, u := range requested {
		if _, ok := known[u]; ok {
			subset = append(subset, u)
		}
	}
	return subset
}

// Scan ejecuta el brute-forcer contra las URLs vivas del job. requested
// restringe los objetivos a ese subconjunto de live.txt; mode vacío usa el
// configurado. Precondiciones: el subsistema está habilitado, el job terminó
// con éxito y queda al menos una URL válida tras el filtrado.
func (s *Scanner) Scan(ctx context.Context, job *storage.ScanJob, requested []string, mode string) (Result, error) {
	if !s.cfg.LeakScan.Enabled {
		return Result{}, apperrors.NewInvalidArgument("leak_scan", "el escaneo de leaks está deshabilitado")
	}
	if job.Status != storage.StatusCompleted {
		return Result{}, apperrors.NewConflict("scan job", job.JobID+": el escaneo de leaks requiere un job completado")
	}
	if mode == "" {
		mode = s.cfg.LeakScan.Mode
	}
	if mode != "tiny" && mode != "full" {
		return Result{}, apperrors.NewInvalidArgument("mode", fmt.Sprintf("%q no es tiny ni full", mode))
	}

	layout := pipeline.NewLayout(s.cfg.JobsDir, job.JobID)
	var urls []string
	var err error
	if len(requested) > 0 {
		live, lerr := LiveTargets(s.cfg.JobsDir, job.JobID)
		if lerr != nil {
			return Result{}, lerr
		}
		urls = FilterRequested(requested, live)
	} else {
		urls, err = s.targetURLs(layout)
		if err != nil {
			return Result{}, err
		}
	}
	if len(urls) == 0 {
		return Result{}, apperrors.NewInvalidArgument("urls", "ninguna URL válida para escanear")
	}

	inputFile := layout.URLsNoWaf()
	if err := os.WriteFile(inputFile, []byte(strings.Join(urls, "\n")+"\n"), 0o644); err != nil {
		return Result{}, err
	}
	resultsDir := layout.LeakResultsDir()
	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		return Result{}, err
	}

	absInput, err := filepath.Abs(inputFile)
	if err != nil {
		return Result{}, err
	}
	absResults, err := filepath.Abs(resultsDir)
	if err != nil {
		return Result{}, err
	}

	threads := s.cfg.LeakScan.Threads
	if threads <= 0 {
		threads = 4
	}

	// El brute-forcer depende de wordlists co-localizadas: se ejecuta desde su
	// directorio de instalación, con rutas de entrada/salida absolutas.
	res, err := runTool(ctx, runner.Spec{
		Tool: "leak-brute",
		Argv: []string{
			"./leak-brute",
			"-l", absInput,
			"-o", absResults,
			"-m", mode,
			"-t", strconv.Itoa(threads),
		},
		Dir:     s.cfg.Tools.LeakBrute,
		Timeout: runnerTimeout(s.cfg.Timeouts.LeakBrute),
	})
	if err != nil {
		return Result{}, err
	}

	// El stream de stdout tiene preferencia; los CSV solo aportan URLs nuevas.
	records := parsers.ParseLeakStdout(strings.NewReader(res.Stdout))
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		seen[rec.FileURL] = struct{}{}
	}
	records = append(records, parsers.ParseLeakCSVDir(resultsDir, seen)...)

	if err := s.store.BulkInsertLeakDetections(ctx, job.ID, records); err != nil {
		return Result{}, err
	}

	logx.Info("escaneo de leaks completado", logx.Fields{
		"job_id": job.JobID, "urls": len(urls), "leaks": len(records), "mode": mode,
	})
	return Result{URLsScanned: len(urls), LeaksFound: len(records), Mode: mode}, nil
}

// targetURLs decide la lista de objetivos: la lista sin WAF si existe, si no
// las URLs vivas. Solo pasan URLs http(s) parseables.
func (s *Scanner) targetURLs(layout pipeline.Layout) ([]string, error) {
	candidates, err := mergedup.ReadSet(layout.URLsNoWaf())
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		candidates, err = mergedup.ReadSet(layout.LiveURLs())
		if err != nil {
			return nil, err
		}
	}

	var out []string
	for _, raw := range candidates {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			continue
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			continue
		}
		out = append(out, raw)
	}
	return out, nil
}

func runnerTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
