// Package pipeline orquesta las cuatro etapas de un escaneo completo:
// enumeración de subdominios, probe HTTP, fingerprint de WAF y capturas.
// Las dos primeras son fatales; WAF y capturas degradan a warning y se
// reportan al final.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"recon-engine/internal/core/mergedup"
	"recon-engine/internal/core/parsers"
	"recon-engine/internal/core/runner"
	"recon-engine/internal/platform/config"
	"recon-engine/internal/platform/logx"
	"recon-engine/internal/storage"
)

// Seams para tests: las etapas invocan las herramientas a través de estas
// variables.
var (
	runTool    = runner.Run
	streamTool = runner.Stream
)

// ProgressFunc recibe los hitos de avance del pipeline (porcentaje y texto).
type ProgressFunc func(percent int, status string)

// Store es la porción del repositorio que consume el pipeline.
type Store interface {
	BulkInsertSubdomains(ctx context.Context, scanJobID int64, hosts []parsers.Hostname) error
	ApplyProbeResult(ctx context.Context, scanJobID int64, rec parsers.ProbeRecord) error
	InsertTechnologies(ctx context.Context, scanJobID int64, hostname string, techs []string) error
	MarkUnprobedDead(ctx context.Context, scanJobID int64) error
	BulkInsertWafDetections(ctx context.Context, scanJobID int64, recs []parsers.WafRecord) error
	CreateScreenshot(ctx context.Context, shot storage.Screenshot) error
}

// Stats resume un escaneo completo terminado. Errors acumula los fallos de
// las etapas no fatales; el job completa igualmente y el mensaje queda
// registrado en él.
type Stats struct {
	TotalSubdomains  int      `json:"total_subdomains"`
	LiveHosts        int      `json:"live_hosts"`
	ScreenshotsTaken int      `json:"screenshots_taken"`
	Errors           []string `json:"errors,omitempty"`
}

// Pipeline ejecuta escaneos completos contra el almacén y el árbol de
// artefactos configurados.
type Pipeline struct {
	cfg   *config.Config
	store Store
}

// New construye el pipeline.
func New(cfg *config.Config, store Store) *Pipeline {
	return &Pipeline{cfg: cfg, store: store}
}

// Run ejecuta el escaneo completo de un job. El job debe estar ya en estado
// running; el caller decide la transición final según el error devuelto.
func (p *Pipeline) Run(ctx context.Context, job *storage.ScanJob, progress ProgressFunc) (Stats, error) {
	if progress == nil {
		progress = func(int, string) {}
	}
	layout := NewLayout(p.cfg.JobsDir, job.JobID)
	if err := layout.Ensure(); err != nil {
		return Stats{}, err
	}

	var stats Stats

	progress(10, "Starting subdomain enumeration")
	hosts, err := p.enumerate(ctx, job.Domain, layout, progress)
	if err != nil {
		return stats, err
	}
	if err := p.store.BulkInsertSubdomains(ctx, job.ID, hosts); err != nil {
		return stats, err
	}
	stats.TotalSubdomains = len(hosts)
	progress(40, fmt.Sprintf("Enumeration complete: %d subdomains", len(hosts)))

	live, err := p.probe(ctx, job.ID, layout)
	if err != nil {
		return stats, err
	}
	if len(live) == 0 {
		return stats, fmt.Errorf("No live hosts found")
	}
	stats.LiveHosts = len(live)
	progress(75, fmt.Sprintf("Probing complete: %d live hosts", len(live)))

	// Un fallo de WAF es recuperable: el job completa con el set de
	// detecciones vacío y el error anotado en su lista.
	if err := p.wafCheck(ctx, job.ID, layout); err != nil {
		logx.Warn("fingerprint de WAF falló, continuando", logx.Fields{
			"job_id": job.JobID, "error": err.Error(),
		})
		stats.Errors = append(stats.Errors, "waf check: "+err.Error())
	}
	progress(85, "WAF analysis complete")

	// Las capturas son best-effort: un fallo aquí ni marca el job.
	taken, err := p.screenshots(ctx, job.ID, layout)
	if err != nil {
		logx.Warn("captura de pantallas falló, continuando", logx.Fields{
			"job_id": job.JobID, "error": err.Error(),
		})
	}
	stats.ScreenshotsTaken = taken
	progress(100, "Scan completed")

	return stats, nil
}

// Enumerate ejecuta solo la etapa de enumeración de un job y persiste los
// subdominios. Devuelve cuántos hostnames se descubrieron.
func (p *Pipeline) Enumerate(ctx context.Context, job *storage.ScanJob) (int, error) {
	layout := NewLayout(p.cfg.JobsDir, job.JobID)
	if err := layout.Ensure(); err != nil {
		return 0, err
	}
	hosts, err := p.enumerate(ctx, job.Domain, layout, nil)
	if err != nil {
		return 0, err
	}
	if err := p.store.BulkInsertSubdomains(ctx, job.ID, hosts); err != nil {
		return 0, err
	}
	return len(hosts), nil
}

// Probe ejecuta solo la etapa de probe HTTP sobre subs.txt ya existente.
// Devuelve cuántos hosts resultaron vivos.
func (p *Pipeline) Probe(ctx context.Context, job *storage.ScanJob) (int, error) {
	layout := NewLayout(p.cfg.JobsDir, job.JobID)
	live, err := p.probe(ctx, job.ID, layout)
	if err != nil {
		return 0, err
	}
	return len(live), nil
}

// WafCheck ejecuta solo el fingerprint de WAF sobre live_urls.txt.
func (p *Pipeline) WafCheck(ctx context.Context, job *storage.ScanJob) error {
	return p.wafCheck(ctx, job.ID, NewLayout(p.cfg.JobsDir, job.JobID))
}

// Screenshots ejecuta solo la etapa de capturas sobre live_urls.txt.
func (p *Pipeline) Screenshots(ctx context.Context, job *storage.ScanJob) error {
	_, err := p.screenshots(ctx, job.ID, NewLayout(p.cfg.JobsDir, job.JobID))
	return err
}

// --- Etapa 1: enumeración ----------------------------------------------------------

// enumerate lanza los tres enumeradores en paralelo y consolida sus
// resultados en subs.txt, sin duplicados entre herramientas. El fallo de un
// enumerador individual degrada a warning; fallan los tres, falla la etapa.
func (p *Pipeline) enumerate(ctx context.Context, domain string, layout Layout, progress ProgressFunc) ([]parsers.Hostname, error) {
	if progress == nil {
		progress = func(int, string) {}
	}
	var (
		mu       sync.Mutex
		seen     = make(map[string]struct{})
		hosts    []parsers.Hostname
		toolErrs []string
	)
	collect := func(tool string, found []parsers.Hostname, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			logx.Warn("enumerador falló", logx.Fields{"tool": tool, "error": err.Error()})
			toolErrs = append(toolErrs, tool+": "+err.Error())
			return
		}
		logx.Info("enumerador completado", logx.Fields{"tool": tool, "found": len(found)})
		progress(10, fmt.Sprintf("%s complete: %d subdomains", tool, len(found)))
		for _, h := range found {
			if _, ok := seen[h.Name]; ok {
				continue
			}
			seen[h.Name] = struct{}{}
			hosts = append(hosts, h)
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		found, err := p.streamEnum(ctx, "subfinder",
			[]string{p.cfg.Tools.Subfinder, "-d", domain, "-silent"},
			p.cfg.Timeouts.Subfinder, layout.Subs())
		collect("subfinder", found, err)
		return nil
	})
	g.Go(func() error {
		found, err := p.streamEnum(ctx, "assetfinder",
			[]string{p.cfg.Tools.Assetfinder, "--subs-only", domain},
			p.cfg.Timeouts.Assetfinder, layout.Subs())
		collect("assetfinder", found, err)
		return nil
	})
	g.Go(func() error {
		found, err := p.amassEnum(ctx, domain, layout)
		collect("amass", found, err)
		return nil
	})
	_ = g.Wait()

	if len(hosts) == 0 && len(toolErrs) == 3 {
		return nil, fmt.Errorf("subdomain enumeration failed: %s", strings.Join(toolErrs, "; "))
	}
	return hosts, nil
}

// streamEnum ejecuta un enumerador de salida plana reenviando stdout línea a
// línea, y mezcla los hostnames válidos en el set-file destino.
func (p *Pipeline) streamEnum(ctx context.Context, tool string, argv []string, timeoutSec int, target string) ([]parsers.Hostname, error) {
	out := make(chan string, 64)
	var lines []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for line := range out {
			lines = append(lines, line)
		}
	}()

	err := streamTool(ctx, runner.Spec{
		Tool:    tool,
		Argv:    argv,
		Timeout: seconds(timeoutSec),
	}, out)
	close(out)
	<-done
	if err != nil {
		return nil, err
	}

	found := parsers.ParseFlat(strings.NewReader(strings.Join(lines, "\n")), tool)
	if _, err := mergedup.Merge(names(found), target); err != nil {
		return nil, err
	}
	return found, nil
}

// amassEnum captura la salida cruda de amass, la archiva, y filtra los
// hostnames al apex del job antes de mezclarlos.
func (p *Pipeline) amassEnum(ctx context.Context, domain string, layout Layout) ([]parsers.Hostname, error) {
	res, err := runTool(ctx, runner.Spec{
		Tool:    "amass",
		Argv:    []string{p.cfg.Tools.Amass, "enum", "-passive", "-d", domain},
		Timeout: seconds(p.cfg.Timeouts.Amass),
	})
	if err != nil {
		return nil, err
	}

	// La salida cruda se archiva siempre; es el rastro de auditoría del filtro.
	if werr := os.WriteFile(layout.AmassRaw(), []byte(res.Stdout), 0o644); werr != nil {
		return nil, werr
	}

	found := parsers.ParseAmass(strings.NewReader(res.Stdout), domain)
	filtered := names(found)
	if werr := os.WriteFile(layout.AmassFiltered(), []byte(joinLines(filtered)), 0o644); werr != nil {
		return nil, werr
	}
	if _, err := mergedup.Merge(filtered, layout.Subs()); err != nil {
		return nil, err
	}
	return found, nil
}

// --- Etapa 2: probe HTTP -----------------------------------------------------------

// probe sondea todos los subdominios por stdin del prober, persiste cada
// snapshot y materializa live.txt (la salida JSONL cruda del prober) y
// live_urls.txt. Devuelve los registros vivos.
func (p *Pipeline) probe(ctx context.Context, scanJobID int64, layout Layout) ([]parsers.ProbeRecord, error) {
	subs, err := mergedup.ReadSet(layout.Subs())
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("no subdomains to probe")
	}

	res, err := runTool(ctx, runner.Spec{
		Tool: "httpx",
		Argv: []string{
			p.cfg.Tools.HTTPX, "-silent", "-json",
			"-retries", "3", "-timeout", "30", "-follow-redirects",
			"-status-code", "-title", "-content-length", "-web-server",
			"-tech-detect", "-cdn", "-ip",
		},
		Stdin:   joinLines(subs),
		Timeout: seconds(p.cfg.Timeouts.HTTPX),
	})
	if err != nil {
		return nil, err
	}

	// La salida cruda del prober se conserva tal cual: es la fuente de verdad
	// del filtrado del escaneo de leaks.
	if werr := os.WriteFile(layout.Live(), []byte(res.Stdout), 0o644); werr != nil {
		return nil, werr
	}

	records := parsers.ParseHTTPX(strings.NewReader(res.Stdout))

	var live []parsers.ProbeRecord
	var liveURLs []string
	for _, rec := range records {
		if perr := p.store.ApplyProbeResult(ctx, scanJobID, rec); perr != nil {
			return nil, perr
		}
		if len(rec.Tech) > 0 {
			if terr := p.store.InsertTechnologies(ctx, scanJobID, rec.Hostname(), rec.Tech); terr != nil {
				return nil, terr
			}
		}
		if rec.IsLive() {
			live = append(live, rec)
			liveURLs = append(liveURLs, rec.URL)
		}
	}

	if err := p.store.MarkUnprobedDead(ctx, scanJobID); err != nil {
		return nil, err
	}
	if _, err := mergedup.Merge(liveURLs, layout.LiveURLs()); err != nil {
		return nil, err
	}
	return live, nil
}

// --- Etapa 3: fingerprint de WAF ---------------------------------------------------

// wafCheck pasa las URLs vivas por el fingerprinter, persiste los veredictos
// y materializa urls_no_waf.txt con las URLs sin protección detectada.
func (p *Pipeline) wafCheck(ctx context.Context, scanJobID int64, layout Layout) error {
	urls, err := mergedup.ReadSet(layout.LiveURLs())
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return nil
	}

	if _, err := runTool(ctx, runner.Spec{
		Tool: "wafw00f",
		Argv: []string{
			p.cfg.Tools.Wafw00f,
			"-i", layout.LiveURLs(),
			"-o", layout.WafResults(),
			"-f", "json",
		},
		Timeout: seconds(p.cfg.Timeouts.Wafw00f),
	}); err != nil {
		return err
	}

	file, err := os.Open(layout.WafResults())
	if err != nil {
		return err
	}
	defer file.Close()

	records, err := parsers.ParseWafw00f(file)
	if err != nil {
		return err
	}
	if err := p.store.BulkInsertWafDetections(ctx, scanJobID, records); err != nil {
		return err
	}

	protected := make(map[string]struct{})
	for _, rec := range records {
		if rec.Protected() {
			protected[rec.URL] = struct{}{}
		}
	}
	var clean []string
	for _, u := range urls {
		if _, ok := protected[u]; !ok {
			clean = append(clean, u)
		}
	}
	return os.WriteFile(layout.URLsNoWaf(), []byte(joinLines(clean)), 0o644)
}

// --- Etapa 4: capturas -------------------------------------------------------------

// screenshots captura las URLs vivas con gowitness y registra cada PNG
// resultante. Devuelve cuántas capturas se registraron. El archivo en disco
// es la fuente de verdad; la URL decodificada del nombre es aproximada.
func (p *Pipeline) screenshots(ctx context.Context, scanJobID int64, layout Layout) (int, error) {
	urls, err := mergedup.ReadSet(layout.LiveURLs())
	if err != nil {
		return 0, err
	}
	if len(urls) == 0 {
		return 0, nil
	}
	if err := os.WriteFile(layout.GowitnessInput(), []byte(joinLines(urls)), 0o644); err != nil {
		return 0, err
	}

	// gowitness resuelve rutas relativas contra su cwd; se le pasan absolutas.
	absInput, err := filepath.Abs(layout.GowitnessInput())
	if err != nil {
		return 0, err
	}
	absShots, err := filepath.Abs(layout.ShotsDir())
	if err != nil {
		return 0, err
	}

	if _, err := runTool(ctx, runner.Spec{
		Tool: "gowitness",
		Argv: []string{
			p.cfg.Tools.Gowitness, "scan", "file",
			"-f", absInput,
			"--screenshot-path", absShots,
			"--threads", "4",
			"--timeout", "30",
		},
		Timeout: seconds(p.cfg.Timeouts.Gowitness),
	}); err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(layout.ShotsDir())
	if err != nil {
		return 0, err
	}
	saved := 0
	for _, entry := range entries {
		if entry.IsDir() || !isImage(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		shot := storage.Screenshot{
			ScanJobID: scanJobID,
			URL:       DecodeScreenshotURL(entry.Name()),
			Filename:  entry.Name(),
			FilePath:  filepath.Join(layout.ShotsDir(), entry.Name()),
		}
		shot.FileSize.Int64 = info.Size()
		shot.FileSize.Valid = true
		if err := p.store.CreateScreenshot(ctx, shot); err != nil {
			return saved, err
		}
		saved++
	}
	logx.Info("capturas registradas", logx.Fields{"count": saved, "dir": layout.ShotsDir()})
	return saved, nil
}

// --- Helpers -----------------------------------------------------------------------

func names(hosts []parsers.Hostname) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, h.Name)
	}
	return out
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func isImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpeg", ".jpg":
		return true
	}
	return false
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
