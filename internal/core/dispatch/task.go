// Package dispatch implementa el dispatcher de tareas del motor: colas con
// prioridad sobre Redis, pool de workers con un task en vuelo por worker,
// acks tardíos con lease, reintentos con backoff y heartbeats de progreso
// observables desde la API.
package dispatch

import (
	"encoding/json"
	"time"
)

// State es el estado observable de una tarea.
type State string

const (
	StatePending  State = "PENDING"
	StateStarted  State = "STARTED"
	StateProgress State = "PROGRESS"
	StateRetry    State = "RETRY"
	StateSuccess  State = "SUCCESS"
	StateFailure  State = "FAILURE"
)

// Tipos de tarea reconocidos y su cola.
const (
	TaskFullScan    = "scan.full"
	TaskEnumerate   = "scan.enumerate"
	TaskProbe       = "scan.probe"
	TaskScreenshot  = "scan.screenshot"
	TaskWafCheck    = "scan.waf_check"
	TaskLeakCheck   = "scan.leak_check"
	TaskCleanupJobs = "maintenance.cleanup_jobs"
)

// Routes asigna cada tipo de tarea a su cola nombrada.
var Routes = map[string]string{
	TaskFullScan:    "recon_full",
	TaskEnumerate:   "recon_enum",
	TaskProbe:       "recon_check",
	TaskScreenshot:  "recon_screenshot",
	TaskWafCheck:    "waf_check",
	TaskLeakCheck:   "leak_check",
	TaskCleanupJobs: "maintenance",
}

const (
	// DefaultPriority dentro del rango 0–10.
	DefaultPriority = 5
	MaxPriority     = 10

	// Límites de tiempo por tarea: el duro corta el contexto, el blando es una
	// señal para que el handler termine limpio.
	HardTimeLimit = 45 * time.Minute
	SoftTimeLimit = 40 * time.Minute

	// MaxTasksPerChild recicla el worker tras N tareas para acotar memoria.
	MaxTasksPerChild = 50

	// resultTTL conserva el estado final de la tarea para lectores tardíos.
	resultTTL = 24 * time.Hour
)

// Task es el sobre serializado (JSON) que viaja por el broker.
type Task struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	Priority   int             `json:"priority"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Meta es el payload de progreso publicado por los heartbeats. Los lectores
// ven siempre el valor más reciente.
type Meta struct {
	Current int            `json:"current"`
	Total   int            `json:"total"`
	Status  string         `json:"status"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// Snapshot es la vista estado+meta que consume la API de progreso.
type Snapshot struct {
	TaskID string
	State  State
	Meta   Meta
}
