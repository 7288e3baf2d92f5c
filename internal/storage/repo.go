package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"recon-engine/internal/core/parsers"
	apperrors "recon-engine/internal/platform/errors"
)

const pqUniqueViolation = "23505"

// Repo es la frontera síncrona sobre el almacén relacional. Cada tarea posee
// su propia conexión; los batches se commitean atómicamente.
type Repo struct {
	db *sqlx.DB
}

// NewRepo construye el repositorio sobre una conexión sqlx existente.
func NewRepo(db *sqlx.DB) *Repo {
	return &Repo{db: db}
}

// Open abre la conexión Postgres y verifica conectividad.
func Open(ctx context.Context, databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// --- Scan jobs -------------------------------------------------------------------

// CreateScanJob persiste un job nuevo en estado pending.
func (r *Repo) CreateScanJob(ctx context.Context, jobID, domain string) (*ScanJob, error) {
	var job ScanJob
	err := r.db.GetContext(ctx, &job, `
		INSERT INTO scan_jobs (job_id, domain, status, created_at, updated_at)
		VALUES ($1, $2, 'pending', now(), now())
		RETURNING *`, jobID, domain)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetScanJob busca un job por su identificador opaco.
func (r *Repo) GetScanJob(ctx context.Context, jobID string) (*ScanJob, error) {
	var job ScanJob
	err := r.db.GetContext(ctx, &job, `SELECT * FROM scan_jobs WHERE job_id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound("scan job", jobID)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateTaskID registra el identificador de tarea del dispatcher. Es mutable
// hasta el primer arranque; después el job tiene exactamente una tarea activa.
func (r *Repo) UpdateTaskID(ctx context.Context, jobID, taskID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE scan_jobs SET task_id = $2, updated_at = now() WHERE job_id = $1`, jobID, taskID)
	if err != nil {
		return err
	}
	return requireRow(res, "scan job", jobID)
}

// allowedPrev codifica la máquina de estados del job: solo se permiten las
// transiciones pending→running→{completed|failed}.
var allowedPrev = map[JobStatus][]string{
	StatusRunning:   {string(StatusPending)},
	StatusCompleted: {string(StatusRunning)},
	StatusFailed:    {string(StatusPending), string(StatusRunning)},
}

// TransitionStatus aplica una transición atómica de estado, estampando
// completed_at cuando el job termina. Una transición no permitida devuelve
// Conflict.
func (r *Repo) TransitionStatus(ctx context.Context, jobID string, to JobStatus, errorMessage string) error {
	prev, ok := allowedPrev[to]
	if !ok {
		return apperrors.NewInvalidArgument("status", fmt.Sprintf("transición a %q no permitida", to))
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE scan_jobs
		SET status = $2,
		    error_message = NULLIF($3, ''),
		    updated_at = now(),
		    completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN now() ELSE completed_at END
		WHERE job_id = $1 AND status = ANY($4)`,
		jobID, to, errorMessage, pq.Array(prev))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguir job inexistente de transición ilegal.
		if _, err := r.GetScanJob(ctx, jobID); err != nil {
			return err
		}
		return apperrors.NewConflict("scan job", fmt.Sprintf("%s: transición a %s no válida", jobID, to))
	}
	return nil
}

// ListScans devuelve jobs paginados, los más recientes primero, con
// contadores de subdominios y capturas.
func (r *Repo) ListScans(ctx context.Context, limit, offset int) ([]ScanSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []ScanSummary
	err := r.db.SelectContext(ctx, &out, `
		SELECT j.job_id, j.domain, j.status, j.created_at,
		       (SELECT count(*) FROM subdomains s WHERE s.scan_job_id = j.id) AS subdomains_count,
		       (SELECT count(*) FROM screenshots sc WHERE sc.scan_job_id = j.id) AS screenshots_count
		FROM scan_jobs j
		ORDER BY j.created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	return out, err
}

// DeleteScanJob borra el job y todos sus dependientes en una transacción.
func (r *Repo) DeleteScanJob(ctx context.Context, jobID string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var id int64
	err = tx.GetContext(ctx, &id, `SELECT id FROM scan_jobs WHERE job_id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NewNotFound("scan job", jobID)
	}
	if err != nil {
		return err
	}

	steps := []string{
		`DELETE FROM technologies WHERE subdomain_id IN (SELECT id FROM subdomains WHERE scan_job_id = $1)`,
		`DELETE FROM screenshots WHERE scan_job_id = $1`,
		`DELETE FROM waf_detections WHERE scan_job_id = $1`,
		`DELETE FROM leak_detections WHERE scan_job_id = $1`,
		`DELETE FROM subdomains WHERE scan_job_id = $1`,
		`DELETE FROM scan_jobs WHERE id = $1`,
	}
	for _, q := range steps {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListJobsOlderThan devuelve los job_id creados antes del cutoff; lo usa la
// tarea de mantenimiento.
func (r *Repo) ListJobsOlderThan(ctx context.Context, days int) ([]string, error) {
	var out []string
	err := r.db.SelectContext(ctx, &out, `
		SELECT job_id FROM scan_jobs
		WHERE created_at < now() - make_interval(days => $1)
		ORDER BY created_at`, days)
	return out, err
}

// --- Subdominios -----------------------------------------------------------------

// BulkInsertSubdomains inserta hostnames descubiertos. Los duplicados
// (job, hostname) se ignoran: reejecutar la enumeración es idempotente.
func (r *Repo) BulkInsertSubdomains(ctx context.Context, scanJobID int64, hosts []parsers.Hostname) error {
	if len(hosts) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO subdomains (scan_job_id, subdomain, source, status, created_at)
		VALUES ($1, $2, $3, 'found', now())
		ON CONFLICT (scan_job_id, subdomain) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, h := range hosts {
		if _, err := stmt.ExecContext(ctx, scanJobID, h.Name, h.Source); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateManualSubdomain inserta un subdominio añadido a mano por la API.
// Devuelve Conflict si ya existe para el job.
func (r *Repo) CreateManualSubdomain(ctx context.Context, scanJobID int64, hostname string, isLive bool, httpStatus int) (*Subdomain, error) {
	status := SubdomainFound
	if isLive {
		status = SubdomainLive
	}
	var sub Subdomain
	err := r.db.GetContext(ctx, &sub, `
		INSERT INTO subdomains (scan_job_id, subdomain, source, status, is_live, http_status, created_at)
		VALUES ($1, $2, 'manual', $3, $4, NULLIF($5, 0), now())
		RETURNING *`, scanJobID, hostname, status, isLive, httpStatus)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return nil, apperrors.NewConflict("subdomain", hostname)
		}
		return nil, err
	}
	return &sub, nil
}

// ApplyProbeResult vuelca el snapshot del prober sobre el subdominio y lo
// marca live o dead según el conjunto de códigos reconocidos.
func (r *Repo) ApplyProbeResult(ctx context.Context, scanJobID int64, rec parsers.ProbeRecord) error {
	status := SubdomainDead
	if rec.IsLive() {
		status = SubdomainLive
	}
	ip := ""
	if len(rec.A) > 0 {
		ip = rec.A[0]
	}
	chain := make(pq.Int64Array, 0, len(rec.ChainStatusCodes))
	for _, c := range rec.ChainStatusCodes {
		chain = append(chain, int64(c))
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE subdomains SET
			status = $3, is_live = $4,
			http_status = NULLIF($5, 0),
			title = NULLIF($6, ''),
			content_length = NULLIF($7, 0),
			webserver = NULLIF($8, ''),
			final_url = NULLIF($9, ''),
			response_time = NULLIF($10, ''),
			cdn_name = NULLIF($11, ''),
			content_type = NULLIF($12, ''),
			ip = NULLIF($13, ''),
			chain_status_codes = $14,
			a_records = $15,
			aaaa_records = $16
		WHERE scan_job_id = $1 AND subdomain = $2`,
		scanJobID, rec.Hostname(),
		status, status == SubdomainLive,
		rec.StatusCode, rec.Title, rec.ContentLength, rec.Webserver, rec.FinalURL,
		rec.ResponseTime, rec.CDNName, rec.ContentType, ip,
		chain, pq.StringArray(rec.A), pq.StringArray(rec.AAAA))
	return err
}

// MarkUnprobedDead marca como dead todo subdominio que siga en estado found
// tras el probe: los hosts sin registro se asumen muertos.
func (r *Repo) MarkUnprobedDead(ctx context.Context, scanJobID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE subdomains SET status = 'dead', is_live = false
		WHERE scan_job_id = $1 AND status = 'found'`, scanJobID)
	return err
}

// GetSubdomainsByJob devuelve los subdominios del job en orden de inserción.
func (r *Repo) GetSubdomainsByJob(ctx context.Context, scanJobID int64) ([]Subdomain, error) {
	var out []Subdomain
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM subdomains WHERE scan_job_id = $1 ORDER BY id`, scanJobID)
	return out, err
}

// InsertTechnologies persiste los pares (subdominio, tecnología) del
// fingerprint del probe. Duplicados por subdominio se ignoran.
func (r *Repo) InsertTechnologies(ctx context.Context, scanJobID int64, hostname string, techs []string) error {
	if len(techs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO technologies (subdomain_id, name)
		SELECT id, $3 FROM subdomains WHERE scan_job_id = $1 AND subdomain = $2
		ON CONFLICT (subdomain_id, name) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, tech := range techs {
		tech = strings.TrimSpace(tech)
		if tech == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, scanJobID, hostname, tech); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetTechnologiesByJob devuelve las tecnologías del job indexadas por
// subdominio.
func (r *Repo) GetTechnologiesByJob(ctx context.Context, scanJobID int64) (map[int64][]string, error) {
	var rows []struct {
		SubdomainID int64  `db:"subdomain_id"`
		Name        string `db:"name"`
	}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT t.subdomain_id, t.name FROM technologies t
		JOIN subdomains s ON s.id = t.subdomain_id
		WHERE s.scan_job_id = $1 ORDER BY t.id`, scanJobID)
	if err != nil {
		return nil, err
	}
	out := make(map[int64][]string)
	for _, row := range rows {
		out[row.SubdomainID] = append(out[row.SubdomainID], row.Name)
	}
	return out, nil
}

// --- Capturas, WAF y leaks -------------------------------------------------------

// CreateScreenshot persiste el puntero a una captura en disco.
func (r *Repo) CreateScreenshot(ctx context.Context, shot Screenshot) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO screenshots (scan_job_id, subdomain_id, url, filename, file_path, file_size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		shot.ScanJobID, shot.SubdomainID, shot.URL, shot.Filename, shot.FilePath, shot.FileSize)
	return err
}

// GetScreenshotsByJob devuelve las capturas del job.
func (r *Repo) GetScreenshotsByJob(ctx context.Context, scanJobID int64) ([]Screenshot, error) {
	var out []Screenshot
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM screenshots WHERE scan_job_id = $1 ORDER BY id`, scanJobID)
	return out, err
}

// BulkInsertWafDetections persiste los veredictos del fingerprinter.
func (r *Repo) BulkInsertWafDetections(ctx context.Context, scanJobID int64, recs []parsers.WafRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO waf_detections (scan_job_id, url, has_waf, waf_name, waf_manufacturer, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), now())`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx, scanJobID, rec.URL, rec.Protected(), rec.Firewall, rec.Manufacturer); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetWafDetectionsByJob devuelve los veredictos WAF del job.
func (r *Repo) GetWafDetectionsByJob(ctx context.Context, scanJobID int64) ([]WafDetection, error) {
	var out []WafDetection
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM waf_detections WHERE scan_job_id = $1 ORDER BY id`, scanJobID)
	return out, err
}

// BulkInsertLeakDetections persiste hallazgos del leak scanner. Cualquier
// registro con status 404 se rechaza aquí como última barrera.
func (r *Repo) BulkInsertLeakDetections(ctx context.Context, scanJobID int64, recs []parsers.LeakRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO leak_detections (scan_job_id, base_url, leaked_file_url, file_type, severity, file_size, http_status, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, now())`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range recs {
		if rec.HTTPStatus == 404 {
			continue
		}
		if _, err := stmt.ExecContext(ctx, scanJobID, rec.BaseURL, rec.FileURL, rec.FileType, string(rec.Severity), rec.FileSize, rec.HTTPStatus); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetLeakDetectionsByJob devuelve los leaks del job.
func (r *Repo) GetLeakDetectionsByJob(ctx context.Context, scanJobID int64) ([]LeakDetection, error) {
	var out []LeakDetection
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM leak_detections WHERE scan_job_id = $1 ORDER BY id`, scanJobID)
	return out, err
}

func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NewNotFound(entity, id)
	}
	return nil
}
