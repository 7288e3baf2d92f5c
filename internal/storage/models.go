// Package storage define el modelo de entidades del motor y la capa de
// repositorio sobre Postgres. Cada entidad no-job pertenece exactamente a un
// ScanJob y se borra en cascada con él.
package storage

import (
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// JobStatus es el estado de un scan job. Transiciones válidas:
// pending → running → {completed, failed}.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// SubdomainStatus es el estado de liveness de un subdominio.
type SubdomainStatus string

const (
	SubdomainFound SubdomainStatus = "found"
	SubdomainLive  SubdomainStatus = "live"
	SubdomainDead  SubdomainStatus = "dead"
)

// ScanJob identifica una ejecución de reconocimiento.
type ScanJob struct {
	ID           int64          `db:"id"`
	JobID        string         `db:"job_id"`
	TaskID       sql.NullString `db:"task_id"`
	Domain       string         `db:"domain"`
	Status       JobStatus      `db:"status"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
	ErrorMessage sql.NullString `db:"error_message"`
}

// Subdomain es un hostname descubierto dentro de un job, con el snapshot del
// probe si el host fue sondeado. (job, hostname) es único.
type Subdomain struct {
	ID               int64           `db:"id"`
	ScanJobID        int64           `db:"scan_job_id"`
	Subdomain        string          `db:"subdomain"`
	Source           sql.NullString  `db:"source"`
	Status           SubdomainStatus `db:"status"`
	IsLive           bool            `db:"is_live"`
	HTTPStatus       sql.NullInt64   `db:"http_status"`
	Title            sql.NullString  `db:"title"`
	ContentLength    sql.NullInt64   `db:"content_length"`
	Webserver        sql.NullString  `db:"webserver"`
	FinalURL         sql.NullString  `db:"final_url"`
	ResponseTime     sql.NullString  `db:"response_time"`
	CDNName          sql.NullString  `db:"cdn_name"`
	ContentType      sql.NullString  `db:"content_type"`
	IP               sql.NullString  `db:"ip"`
	ChainStatusCodes pq.Int64Array   `db:"chain_status_codes"`
	ARecords         pq.StringArray  `db:"a_records"`
	AAAARecords      pq.StringArray  `db:"aaaa_records"`
	CreatedAt        time.Time       `db:"created_at"`
}

// Technology es un par (subdominio, tecnología) del fingerprint del probe.
type Technology struct {
	ID          int64  `db:"id"`
	SubdomainID int64  `db:"subdomain_id"`
	Name        string `db:"name"`
}

// Screenshot apunta a una captura en disco; el archivo es la fuente de verdad.
type Screenshot struct {
	ID          int64         `db:"id"`
	ScanJobID   int64         `db:"scan_job_id"`
	SubdomainID sql.NullInt64 `db:"subdomain_id"`
	URL         string        `db:"url"`
	Filename    string        `db:"filename"`
	FilePath    string        `db:"file_path"`
	FileSize    sql.NullInt64 `db:"file_size"`
	CreatedAt   time.Time     `db:"created_at"`
}

// WafDetection es el veredicto del fingerprinter para una URL sondeada.
type WafDetection struct {
	ID              int64          `db:"id"`
	ScanJobID       int64          `db:"scan_job_id"`
	URL             string         `db:"url"`
	HasWaf          bool           `db:"has_waf"`
	WafName         sql.NullString `db:"waf_name"`
	WafManufacturer sql.NullString `db:"waf_manufacturer"`
	CreatedAt       time.Time      `db:"created_at"`
}

// LeakDetection es un archivo expuesto encontrado por el leak scanner.
// Invariante: http_status nunca es 404.
type LeakDetection struct {
	ID            int64          `db:"id"`
	ScanJobID     int64          `db:"scan_job_id"`
	BaseURL       string         `db:"base_url"`
	LeakedFileURL string         `db:"leaked_file_url"`
	FileType      sql.NullString `db:"file_type"`
	Severity      sql.NullString `db:"severity"`
	FileSize      sql.NullInt64  `db:"file_size"`
	HTTPStatus    sql.NullInt64  `db:"http_status"`
	CreatedAt     time.Time      `db:"created_at"`
}

// ScanSummary es una fila del listado de jobs con contadores agregados.
type ScanSummary struct {
	JobID            string    `db:"job_id"`
	Domain           string    `db:"domain"`
	Status           JobStatus `db:"status"`
	CreatedAt        time.Time `db:"created_at"`
	SubdomainsCount  int       `db:"subdomains_count"`
	ScreenshotsCount int       `db:"screenshots_count"`
}
