// Package tasks ata los handlers del dispatcher con el pipeline, el leak
// scanner y el repositorio. Es la capa que un worker registra al arrancar.
package tasks

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"recon-engine/internal/core/dispatch"
	"recon-engine/internal/core/leakscan"
	"recon-engine/internal/core/pipeline"
	"recon-engine/internal/platform/config"
	apperrors "recon-engine/internal/platform/errors"
	"recon-engine/internal/platform/logx"
	"recon-engine/internal/storage"
)

// ScanPayload dispara un escaneo (completo o de etapa) sobre un job.
type ScanPayload struct {
	JobID  string `json:"job_id"`
	Domain string `json:"domain"`
}

// LeakPayload dispara el escaneo de leaks de un job completado. URLs
// restringe los objetivos a ese subconjunto de las URLs vivas del job; Mode
// vacío usa el configurado.
type LeakPayload struct {
	JobID string   `json:"job_id"`
	URLs  []string `json:"urls,omitempty"`
	Mode  string   `json:"mode,omitempty"`
}

// CleanupPayload configura la purga de jobs antiguos.
type CleanupPayload struct {
	Days int `json:"days"`
}

// DefaultRetentionDays es la antigüedad a partir de la cual la tarea de
// mantenimiento purga jobs si el payload no dice otra cosa.
const DefaultRetentionDays = 30

// JobStore es la porción del repositorio que consumen los handlers.
type JobStore interface {
	GetScanJob(ctx context.Context, jobID string) (*storage.ScanJob, error)
	TransitionStatus(ctx context.Context, jobID string, to storage.JobStatus, errorMessage string) error
	DeleteScanJob(ctx context.Context, jobID string) error
	ListJobsOlderThan(ctx context.Context, days int) ([]string, error)
}

// ScanRunner es la cara del pipeline que consumen los handlers.
type ScanRunner interface {
	Run(ctx context.Context, job *storage.ScanJob, progress pipeline.ProgressFunc) (pipeline.Stats, error)
	Enumerate(ctx context.Context, job *storage.ScanJob) (int, error)
	Probe(ctx context.Context, job *storage.ScanJob) (int, error)
	WafCheck(ctx context.Context, job *storage.ScanJob) error
	Screenshots(ctx context.Context, job *storage.ScanJob) error
}

// LeakScanner es la cara del scanner de leaks que consumen los handlers.
type LeakScanner interface {
	Scan(ctx context.Context, job *storage.ScanJob, requested []string, mode string) (leakscan.Result, error)
}

// Deps agrupa las dependencias de los handlers.
type Deps struct {
	Cfg  *config.Config
	Jobs JobStore
	Pipe ScanRunner
	Leak LeakScanner
}

type handlers struct {
	Deps
}

// Register instala todos los handlers del motor en el worker, con sus
// políticas de reintento: el escaneo completo reintenta cualquier fallo con
// backoff lineal; el de leaks solo fallos transitorios; el resto no reintenta.
func Register(w *dispatch.Worker, deps Deps) {
	h := &handlers{deps}

	retryAll := dispatch.RetryPolicy{
		MaxRetries: 3,
		Countdown:  dispatch.LinearBackoff(60 * time.Second),
	}
	retryTransient := dispatch.RetryPolicy{
		MaxRetries:    3,
		Countdown:     dispatch.LinearBackoff(60 * time.Second),
		RetryableOnly: true,
	}

	w.Register(dispatch.TaskFullScan, h.fullScan, retryAll)
	w.Register(dispatch.TaskEnumerate, h.enumerate, dispatch.RetryPolicy{})
	w.Register(dispatch.TaskProbe, h.probe, dispatch.RetryPolicy{})
	w.Register(dispatch.TaskWafCheck, h.wafCheck, dispatch.RetryPolicy{})
	w.Register(dispatch.TaskScreenshot, h.screenshots, dispatch.RetryPolicy{})
	w.Register(dispatch.TaskLeakCheck, h.leakCheck, retryTransient)
	w.Register(dispatch.TaskCleanupJobs, h.cleanup, dispatch.RetryPolicy{})
	w.OnFailure = h.onFailure
}

// fullScan ejecuta el pipeline completo y gobierna la máquina de estados del
// job: running al arrancar, completed o failed al terminar.
func (h *handlers) fullScan(ctx context.Context, task *dispatch.Task, soft <-chan struct{}, progress func(dispatch.Meta)) error {
	var p ScanPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return err
	}
	job, err := h.Jobs.GetScanJob(ctx, p.JobID)
	if err != nil {
		return err
	}

	// En un reintento el job ya está en running; el Conflict es benigno.
	if err := h.Jobs.TransitionStatus(ctx, p.JobID, storage.StatusRunning, ""); err != nil && !apperrors.IsConflict(err) {
		return err
	}

	go func() {
		select {
		case <-soft:
			logx.Warn("límite blando alcanzado, el escaneo debería terminar pronto", logx.Fields{"job_id": p.JobID})
		case <-ctx.Done():
		}
	}()

	stats, err := h.Pipe.Run(ctx, job, func(pct int, status string) {
		progress(dispatch.Meta{Current: pct, Total: 100, Status: status})
	})
	if err != nil {
		return err
	}
	// Los fallos de etapas recuperables no impiden completar: el job termina
	// con su mensaje de error anotado.
	if err := h.Jobs.TransitionStatus(ctx, p.JobID, storage.StatusCompleted, strings.Join(stats.Errors, "; ")); err != nil {
		return err
	}
	progress(dispatch.Meta{Current: 100, Total: 100, Status: "Scan completed",
		Extra: map[string]any{
			"total_subdomains":  stats.TotalSubdomains,
			"live_hosts":        stats.LiveHosts,
			"screenshots_taken": stats.ScreenshotsTaken,
		}})
	return nil
}

func (h *handlers) enumerate(ctx context.Context, task *dispatch.Task, _ <-chan struct{}, progress func(dispatch.Meta)) error {
	job, err := h.loadJob(ctx, task)
	if err != nil {
		return err
	}
	n, err := h.Pipe.Enumerate(ctx, job)
	if err != nil {
		return err
	}
	progress(dispatch.Meta{Current: 100, Total: 100, Status: "enumeration complete",
		Extra: map[string]any{"subdomains": n}})
	return nil
}

func (h *handlers) probe(ctx context.Context, task *dispatch.Task, _ <-chan struct{}, progress func(dispatch.Meta)) error {
	job, err := h.loadJob(ctx, task)
	if err != nil {
		return err
	}
	n, err := h.Pipe.Probe(ctx, job)
	if err != nil {
		return err
	}
	progress(dispatch.Meta{Current: 100, Total: 100, Status: "probe complete",
		Extra: map[string]any{"live_hosts": n}})
	return nil
}

func (h *handlers) wafCheck(ctx context.Context, task *dispatch.Task, _ <-chan struct{}, _ func(dispatch.Meta)) error {
	job, err := h.loadJob(ctx, task)
	if err != nil {
		return err
	}
	return h.Pipe.WafCheck(ctx, job)
}

func (h *handlers) screenshots(ctx context.Context, task *dispatch.Task, _ <-chan struct{}, _ func(dispatch.Meta)) error {
	job, err := h.loadJob(ctx, task)
	if err != nil {
		return err
	}
	return h.Pipe.Screenshots(ctx, job)
}

// leakCheck ejecuta el escaneo de leaks bajo demanda y publica los contadores
// en el meta de la tarea para que la API de progreso los muestre.
func (h *handlers) leakCheck(ctx context.Context, task *dispatch.Task, _ <-chan struct{}, progress func(dispatch.Meta)) error {
	var p LeakPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return err
	}
	job, err := h.Jobs.GetScanJob(ctx, p.JobID)
	if err != nil {
		return err
	}
	res, err := h.Leak.Scan(ctx, job, p.URLs, p.Mode)
	if err != nil {
		return err
	}
	progress(dispatch.Meta{Current: 100, Total: 100, Status: "leak scan complete",
		Extra: map[string]any{
			"urls_scanned": res.URLsScanned,
			"leaks_found":  res.LeaksFound,
			"mode":         res.Mode,
		}})
	return nil
}

// cleanup purga jobs más antiguos que la retención configurada: fila en BD en
// cascada y árbol de artefactos en disco.
func (h *handlers) cleanup(ctx context.Context, task *dispatch.Task, _ <-chan struct{}, _ func(dispatch.Meta)) error {
	var p CleanupPayload
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return err
		}
	}
	if p.Days <= 0 {
		p.Days = DefaultRetentionDays
	}

	jobIDs, err := h.Jobs.ListJobsOlderThan(ctx, p.Days)
	if err != nil {
		return err
	}
	for _, jobID := range jobIDs {
		if err := h.Jobs.DeleteScanJob(ctx, jobID); err != nil {
			logx.Warn("no se pudo purgar job", logx.Fields{"job_id": jobID, "error": err.Error()})
			continue
		}
		if err := pipeline.NewLayout(h.Cfg.JobsDir, jobID).Remove(); err != nil {
			logx.Warn("no se pudieron borrar artefactos", logx.Fields{"job_id": jobID, "error": err.Error()})
		}
	}
	logx.Info("purga de jobs completada", logx.Fields{"purged": len(jobIDs), "days": p.Days})
	return nil
}

// onFailure marca el job como failed cuando su tarea agota los reintentos.
func (h *handlers) onFailure(ctx context.Context, task *dispatch.Task, err error) {
	var p ScanPayload
	if uerr := json.Unmarshal(task.Payload, &p); uerr != nil || p.JobID == "" {
		return
	}
	if terr := h.Jobs.TransitionStatus(ctx, p.JobID, storage.StatusFailed, err.Error()); terr != nil {
		logx.Warn("no se pudo marcar job como failed", logx.Fields{"job_id": p.JobID, "error": terr.Error()})
	}
}

func (h *handlers) loadJob(ctx context.Context, task *dispatch.Task) (*storage.ScanJob, error) {
	var p ScanPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, err
	}
	return h.Jobs.GetScanJob(ctx, p.JobID)
}
