// Package api expone el motor de escaneo como una API REST bajo /api/v1.
// La API nunca ejecuta trabajo pesado: crea jobs, los encola en el
// dispatcher y sirve resultados desde el repositorio.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"recon-engine/internal/core/dispatch"
	"recon-engine/internal/core/leakscan"
	"recon-engine/internal/core/pipeline"
	"recon-engine/internal/core/tasks"
	"recon-engine/internal/platform/config"
	apperrors "recon-engine/internal/platform/errors"
	"recon-engine/internal/platform/logx"
	"recon-engine/internal/storage"
)

// Store es la porción del repositorio que consume la API.
type Store interface {
	CreateScanJob(ctx context.Context, jobID, domain string) (*storage.ScanJob, error)
	GetScanJob(ctx context.Context, jobID string) (*storage.ScanJob, error)
	UpdateTaskID(ctx context.Context, jobID, taskID string) error
	ListScans(ctx context.Context, limit, offset int) ([]storage.ScanSummary, error)
	DeleteScanJob(ctx context.Context, jobID string) error
	CreateManualSubdomain(ctx context.Context, scanJobID int64, hostname string, isLive bool, httpStatus int) (*storage.Subdomain, error)
	GetSubdomainsByJob(ctx context.Context, scanJobID int64) ([]storage.Subdomain, error)
	GetTechnologiesByJob(ctx context.Context, scanJobID int64) (map[int64][]string, error)
	GetScreenshotsByJob(ctx context.Context, scanJobID int64) ([]storage.Screenshot, error)
	GetWafDetectionsByJob(ctx context.Context, scanJobID int64) ([]storage.WafDetection, error)
	GetLeakDetectionsByJob(ctx context.Context, scanJobID int64) ([]storage.LeakDetection, error)
}

// Dispatcher es la cara del dispatcher que consume la API.
type Dispatcher interface {
	Submit(ctx context.Context, taskType string, payload any) (string, error)
	State(ctx context.Context, taskID string) (dispatch.Snapshot, error)
	Revoke(ctx context.Context, taskID string) error
}

// Server monta los handlers de la API sobre sus dependencias.
type Server struct {
	cfg      *config.Config
	store    Store
	disp     Dispatcher
	validate *validator.Validate
}

// NewServer construye el servidor de la API.
func NewServer(cfg *config.Config, store Store, disp Dispatcher) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		disp:     disp,
		validate: validator.New(),
	}
}

// Router devuelve el árbol de rutas completo bajo /api/v1.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Route("/scans", func(r chi.Router) {
			r.Post("/", s.handleCreateScan)
			r.Post("/bulk", s.handleBulkScan)
			r.Get("/", s.handleListScans)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", s.handleGetScan)
				r.Delete("/", s.handleDeleteScan)
				r.Get("/progress", s.handleProgress)
				r.Post("/leak-scan", s.handleLeakScan)
				r.Post("/subdomains", s.handleAddSubdomain)
			})
		})
	})
	return r
}

// --- Requests ----------------------------------------------------------------------

type createScanRequest struct {
	Domain string `json:"domain" validate:"required,fqdn"`
}

type bulkScanRequest struct {
	Domains []string `json:"domains" validate:"required,min=1"`
}

type addSubdomainRequest struct {
	Subdomain  string `json:"subdomain" validate:"required,fqdn"`
	IsLive     bool   `json:"is_live"`
	HTTPStatus int    `json:"http_status" validate:"omitempty,gte=100,lte=599"`
}

// leakScanRequest es opcional: sin cuerpo se escanean todas las URLs vivas
// con el modo configurado.
type leakScanRequest struct {
	URLs []string `json:"urls" validate:"omitempty,dive,url"`
	Mode string   `json:"mode" validate:"omitempty,oneof=tiny full"`
}

// --- Handlers ----------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateScan(w http.ResponseWriter, r *http.Request) {
	var req createScanRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Domain = strings.ToLower(strings.TrimSpace(req.Domain))

	job, taskID, err := s.launchScan(r.Context(), req.Domain)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"job_id":  job.JobID,
		"task_id": taskID,
		"domain":  job.Domain,
		"status":  job.Status,
		"message": "Scan started for " + job.Domain,
	})
}

func (s *Server) handleBulkScan(w http.ResponseWriter, r *http.Request) {
	var req bulkScanRequest
	if !s.decode(w, r, &req) {
		return
	}

	// Los dominios inválidos se descartan en silencio; el contador solo
	// refleja lo realmente encolado.
	var submitted []map[string]string
	for _, raw := range req.Domains {
		domain := strings.ToLower(strings.TrimSpace(raw))
		if s.validate.Var(domain, "required,fqdn") != nil {
			continue
		}
		job, taskID, err := s.launchScan(r.Context(), domain)
		if err != nil {
			logx.Warn("no se pudo encolar dominio del bulk", logx.Fields{"domain": domain, "error": err.Error()})
			continue
		}
		submitted = append(submitted, map[string]string{
			"job_id": job.JobID, "task_id": taskID, "domain": domain,
		})
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"total_submitted": len(submitted),
		"jobs":            submitted,
		"message":         fmt.Sprintf("%d scans started", len(submitted)),
	})
}

// launchScan crea el job, lo encola y registra su task_id.
func (s *Server) launchScan(ctx context.Context, domain string) (*storage.ScanJob, string, error) {
	jobID := uuid.NewString()
	job, err := s.store.CreateScanJob(ctx, jobID, domain)
	if err != nil {
		return nil, "", err
	}
	taskID, err := s.disp.Submit(ctx, dispatch.TaskFullScan, tasks.ScanPayload{JobID: jobID, Domain: domain})
	if err != nil {
		return nil, "", err
	}
	if err := s.store.UpdateTaskID(ctx, jobID, taskID); err != nil {
		return nil, "", err
	}
	return job, taskID, nil
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 10)
	offset := queryInt(r, "offset", 0)

	scans, err := s.store.ListScans(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(scans))
	for _, sc := range scans {
		out = append(out, map[string]any{
			"job_id":            sc.JobID,
			"domain":            sc.Domain,
			"status":            sc.Status,
			"created_at":        sc.CreatedAt,
			"subdomains_count":  sc.SubdomainsCount,
			"screenshots_count": sc.ScreenshotsCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": out, "limit": limit, "offset": offset})
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetScanJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	subs, err := s.store.GetSubdomainsByJob(r.Context(), job.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	techs, err := s.store.GetTechnologiesByJob(r.Context(), job.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	shots, err := s.store.GetScreenshotsByJob(r.Context(), job.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	wafs, err := s.store.GetWafDetectionsByJob(r.Context(), job.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	leaks, err := s.store.GetLeakDetectionsByJob(r.Context(), job.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":        job.JobID,
		"domain":        job.Domain,
		"status":        job.Status,
		"created_at":    job.CreatedAt,
		"completed_at":  nullTime(job.CompletedAt),
		"error_message": nullString(job.ErrorMessage),
		"subdomains":    subdomainViews(subs, techs),
		"screenshots":   screenshotViews(shots),
		"waf_detections": wafViews(wafs),
		"leak_detections": leakViews(leaks),
	})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetScanJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := map[string]any{
		"job_id": job.JobID,
		"status": job.Status,
	}

	// Con task viva el dispatcher manda; sin ella se sintetiza desde el estado
	// persistido del job.
	if job.TaskID.Valid {
		snap, err := s.disp.State(r.Context(), job.TaskID.String)
		if err == nil {
			resp["state"] = snap.State
			resp["progress"] = map[string]any{
				"current": snap.Meta.Current,
				"total":   snap.Meta.Total,
				"status":  snap.Meta.Status,
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}
		logx.Warn("dispatcher inaccesible, usando estado persistido", logx.Fields{
			"job_id": job.JobID, "error": err.Error(),
		})
	}

	current := 0
	statusMsg := string(job.Status)
	switch job.Status {
	case storage.StatusCompleted:
		current = 100
	case storage.StatusFailed:
		if job.ErrorMessage.Valid {
			statusMsg = job.ErrorMessage.String
		}
	}
	resp["state"] = fallbackState(job.Status)
	resp["progress"] = map[string]any{"current": current, "total": 100, "status": statusMsg}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.store.GetScanJob(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Primero revocar la tarea: un worker en vuelo no debe seguir escribiendo
	// sobre un job que desaparece.
	if job.TaskID.Valid {
		if err := s.disp.Revoke(r.Context(), job.TaskID.String); err != nil {
			logx.Warn("no se pudo revocar tarea", logx.Fields{"job_id": jobID, "error": err.Error()})
		}
	}
	if err := s.store.DeleteScanJob(r.Context(), jobID); err != nil {
		s.writeError(w, err)
		return
	}
	if err := pipeline.NewLayout(s.cfg.JobsDir, jobID).Remove(); err != nil {
		logx.Warn("no se pudieron borrar artefactos", logx.Fields{"job_id": jobID, "error": err.Error()})
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "deleted"})
}

func (s *Server) handleLeakScan(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.store.GetScanJob(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !s.cfg.LeakScan.Enabled {
		s.writeError(w, apperrors.NewInvalidArgument("leak_scan", "el escaneo de leaks está deshabilitado"))
		return
	}
	if job.Status != storage.StatusCompleted {
		s.writeError(w, apperrors.NewConflict("scan job", jobID+": el escaneo de leaks requiere un job completado"))
		return
	}

	// El cuerpo es opcional; si trae URLs, el escaneo se limita a ese
	// subconjunto de los hosts vivos del job.
	var req leakScanRequest
	if r.Body != nil && r.ContentLength != 0 {
		if !s.decode(w, r, &req) {
			return
		}
	}
	mode := req.Mode
	if mode == "" {
		mode = s.cfg.LeakScan.Mode
	}

	// El filtrado contra live.txt ocurre aquí, en el accept: las URLs ajenas
	// al job caen en silencio y un resto vacío rechaza la petición.
	targets, err := leakscan.LiveTargets(s.cfg.JobsDir, jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.URLs) > 0 {
		targets = leakscan.FilterRequested(req.URLs, targets)
	}
	if len(targets) == 0 {
		s.writeError(w, apperrors.NewInvalidArgument("urls", "ninguna URL válida para escanear"))
		return
	}

	taskID, err := s.disp.Submit(r.Context(), dispatch.TaskLeakCheck,
		tasks.LeakPayload{JobID: jobID, URLs: targets, Mode: mode})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":       jobID,
		"task_id":      taskID,
		"urls_to_scan": len(targets),
		"mode":         mode,
		"status":       "started",
	})
}

func (s *Server) handleAddSubdomain(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetScanJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req addSubdomainRequest
	if !s.decode(w, r, &req) {
		return
	}

	// Todo subdominio persistido pertenece al apex de su job.
	hostname := strings.ToLower(strings.TrimSpace(req.Subdomain))
	if hostname != job.Domain && !strings.HasSuffix(hostname, "."+job.Domain) {
		s.writeError(w, apperrors.NewInvalidArgument("subdomain",
			fmt.Sprintf("%q no pertenece a %s", hostname, job.Domain)))
		return
	}

	sub, err := s.store.CreateManualSubdomain(r.Context(), job.ID, hostname, req.IsLive, req.HTTPStatus)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":        sub.ID,
		"subdomain": sub.Subdomain,
		"status":    sub.Status,
		"is_live":   sub.IsLive,
	})
}

// --- Vistas ------------------------------------------------------------------------

func subdomainViews(subs []storage.Subdomain, techs map[int64][]string) []map[string]any {
	out := make([]map[string]any, 0, len(subs))
	for _, sub := range subs {
		out = append(out, map[string]any{
			"id":             sub.ID,
			"subdomain":      sub.Subdomain,
			"source":         nullString(sub.Source),
			"status":         sub.Status,
			"is_live":        sub.IsLive,
			"http_status":    nullInt(sub.HTTPStatus),
			"title":          nullString(sub.Title),
			"content_length": nullInt(sub.ContentLength),
			"webserver":      nullString(sub.Webserver),
			"final_url":      nullString(sub.FinalURL),
			"response_time":  nullString(sub.ResponseTime),
			"cdn_name":       nullString(sub.CDNName),
			"content_type":   nullString(sub.ContentType),
			"ip":             nullString(sub.IP),
			"technologies":   techs[sub.ID],
		})
	}
	return out
}

func screenshotViews(shots []storage.Screenshot) []map[string]any {
	out := make([]map[string]any, 0, len(shots))
	for _, shot := range shots {
		out = append(out, map[string]any{
			"id":        shot.ID,
			"url":       shot.URL,
			"filename":  shot.Filename,
			"file_path": shot.FilePath,
			"file_size": nullInt(shot.FileSize),
		})
	}
	return out
}

func wafViews(wafs []storage.WafDetection) []map[string]any {
	out := make([]map[string]any, 0, len(wafs))
	for _, waf := range wafs {
		out = append(out, map[string]any{
			"id":               waf.ID,
			"url":              waf.URL,
			"has_waf":          waf.HasWaf,
			"waf_name":         nullString(waf.WafName),
			"waf_manufacturer": nullString(waf.WafManufacturer),
		})
	}
	return out
}

func leakViews(leaks []storage.LeakDetection) []map[string]any {
	out := make([]map[string]any, 0, len(leaks))
	for _, leak := range leaks {
		out = append(out, map[string]any{
			"id":              leak.ID,
			"base_url":        leak.BaseURL,
			"leaked_file_url": leak.LeakedFileURL,
			"file_type":       nullString(leak.FileType),
			"severity":        nullString(leak.Severity),
			"file_size":       nullInt(leak.FileSize),
			"http_status":     nullInt(leak.HTTPStatus),
		})
	}
	return out
}

// --- Helpers -----------------------------------------------------------------------

// decode deserializa y valida el cuerpo; responde 400 por su cuenta si falla.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cuerpo JSON inválido"})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

// writeError mapea errores de dominio a códigos HTTP.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperrors.IsInvalidArgument(err):
		status = http.StatusBadRequest
	case apperrors.IsNotFound(err):
		status = http.StatusNotFound
	case apperrors.IsConflict(err):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logx.Error("error interno de la API", logx.Fields{"error": err.Error()})
		writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logx.Warn("no se pudo serializar respuesta", logx.Fields{"error": err.Error()})
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func fallbackState(status storage.JobStatus) dispatch.State {
	switch status {
	case storage.StatusCompleted:
		return dispatch.StateSuccess
	case storage.StatusFailed:
		return dispatch.StateFailure
	case storage.StatusRunning:
		return dispatch.StateStarted
	}
	return dispatch.StatePending
}

func nullString(v sql.NullString) any {
	if v.Valid {
		return v.String
	}
	return nil
}

func nullInt(v sql.NullInt64) any {
	if v.Valid {
		return v.Int64
	}
	return nil
}

func nullTime(v sql.NullTime) any {
	if v.Valid {
		return v.Time
	}
	return nil
}
