package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	apperrors "recon-engine/internal/platform/errors"
	"recon-engine/internal/platform/logx"
)

// Handler procesa una tarea. El contexto se cancela al alcanzar el límite
// duro o al revocar la tarea; soft avisa (se cierra) al límite blando para
// que el handler termine limpio. progress publica heartbeats.
type Handler func(ctx context.Context, task *Task, soft <-chan struct{}, progress func(Meta)) error

// RetryPolicy decide si un fallo se reintenta y con qué espera.
type RetryPolicy struct {
	MaxRetries int
	// Countdown calcula la espera antes del intento attempt (1-based).
	Countdown func(attempt int) time.Duration
	// RetryableOnly limita los reintentos a errores transitorios.
	RetryableOnly bool
}

// LinearBackoff espera base×attempt entre reintentos.
func LinearBackoff(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return base * time.Duration(attempt)
	}
}

func (p RetryPolicy) shouldRetry(task *Task, err error) bool {
	if p.MaxRetries <= 0 || task.Attempt >= p.MaxRetries {
		return false
	}
	if p.RetryableOnly && !apperrors.IsRetryable(err) {
		return false
	}
	return true
}

// registration ata un handler con su política de reintentos.
type registration struct {
	handler Handler
	retry   RetryPolicy
}

// Worker consume tareas de un conjunto de colas con concurrencia fija. Cada
// goroutine lleva una sola tarea en vuelo y se recicla tras
// MaxTasksPerChild tareas.
type Worker struct {
	broker      *Broker
	queues      []string
	concurrency int

	mu       sync.Mutex
	handlers map[string]registration

	// OnFailure se invoca cuando una tarea agota sus reintentos.
	OnFailure func(ctx context.Context, task *Task, err error)

	hardLimit time.Duration
	softLimit time.Duration
	pollEvery time.Duration
}

// NewWorker construye el pool. concurrency <= 0 usa un solo slot.
func NewWorker(broker *Broker, queues []string, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		broker:      broker,
		queues:      queues,
		concurrency: concurrency,
		handlers:    make(map[string]registration),
		hardLimit:   HardTimeLimit,
		softLimit:   SoftTimeLimit,
		pollEvery:   500 * time.Millisecond,
	}
}

// Register asocia un tipo de tarea con su handler y política de reintentos.
func (w *Worker) Register(taskType string, handler Handler, retry RetryPolicy) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[taskType] = registration{handler: handler, retry: retry}
}

func (w *Worker) lookup(taskType string) (registration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	reg, ok := w.handlers[taskType]
	return reg, ok
}

// Run bloquea consumiendo tareas hasta que el contexto muera. Lanza el pool,
// el reaper de leases y el listener de revocaciones.
func (w *Worker) Run(ctx context.Context) error {
	revoked := newRevocationSet()
	revocations := w.broker.SubscribeRevocations(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case id, ok := <-revocations:
				if !ok {
					return nil
				}
				revoked.mark(id)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := w.broker.ReapExpiredLeases(ctx); err != nil && ctx.Err() == nil {
					logx.Warn("fallo del reaper de leases", logx.Fields{"error": err.Error()})
				}
			}
		}
	})

	for i := 0; i < w.concurrency; i++ {
		slot := i
		g.Go(func() error {
			for {
				if ctx.Err() != nil {
					return nil
				}
				// El slot se recicla tras MaxTasksPerChild tareas: mismo loop,
				// identidad de worker nueva.
				w.runChild(ctx, fmt.Sprintf("worker-%d-%s", slot, uuid.NewString()[:8]), revoked)
			}
		})
	}

	return g.Wait()
}

// runChild consume hasta MaxTasksPerChild tareas con una identidad de worker
// y retorna para que el slot se recicle.
func (w *Worker) runChild(ctx context.Context, workerID string, revoked *revocationSet) {
	for handled := 0; handled < MaxTasksPerChild; {
		task, err := w.broker.Reserve(ctx, w.queues, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logx.Warn("fallo reservando tarea", logx.Fields{"error": err.Error()})
			time.Sleep(w.pollEvery)
			continue
		}
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollEvery):
			}
			continue
		}
		w.process(ctx, task, revoked)
		handled++
	}
	logx.Debug("worker reciclado", logx.Fields{"worker": workerID, "tasks": MaxTasksPerChild})
}

// process ejecuta una tarea reservada: límites de tiempo, heartbeats de
// lease, revocación y política de reintentos.
func (w *Worker) process(parent context.Context, task *Task, revoked *revocationSet) {
	reg, ok := w.lookup(task.Type)
	if !ok {
		logx.Error("tipo de tarea desconocido", logx.Fields{"type": task.Type, "task_id": task.ID})
		w.broker.finish(parent, task.ID, StateFailure, Meta{Status: "unknown task type " + task.Type})
		return
	}

	ctx, cancel := context.WithTimeout(parent, w.hardLimit)
	defer cancel()

	soft := make(chan struct{})
	softTimer := time.AfterFunc(w.softLimit, func() { close(soft) })
	defer softTimer.Stop()

	// La lease se renueva mientras la tarea siga viva; si aparece la
	// revocación se cancela el contexto del handler.
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(leaseDuration / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := w.broker.RenewLease(ctx, task.ID); err != nil && ctx.Err() == nil {
					logx.Warn("no se pudo renovar lease", logx.Fields{"task_id": task.ID, "error": err.Error()})
				}
				if revoked.has(task.ID) {
					cancel()
					return
				}
			}
		}
	}()

	if revoked.has(task.ID) {
		close(done)
		w.broker.finish(parent, task.ID, StateFailure, Meta{Status: "revoked"})
		return
	}

	progress := func(meta Meta) {
		if err := w.broker.PublishProgress(ctx, task.ID, meta); err != nil && ctx.Err() == nil {
			logx.Trace("heartbeat perdido", logx.Fields{"task_id": task.ID, "error": err.Error()})
		}
	}

	start := time.Now()
	err := reg.handler(ctx, task, soft, progress)
	close(done)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		logx.Info("tarea completada", logx.Fields{
			"task_id": task.ID, "type": task.Type, "duration": elapsed.Round(time.Millisecond).String(),
		})
		// El último meta publicado por el handler (contadores, resumen) se
		// conserva en el snapshot final. Solo cuenta lo publicado en esta
		// ejecución: un meta de RETRY anterior no debe sobrevivir al éxito.
		meta := Meta{Current: 100, Total: 100, Status: "done"}
		if snap, serr := w.broker.Inspect(parent, task.ID); serr == nil && snap.State == StateProgress {
			meta = snap.Meta
			meta.Current, meta.Total = 100, 100
		}
		w.broker.finish(parent, task.ID, StateSuccess, meta)

	case revoked.has(task.ID):
		logx.Warn("tarea revocada en vuelo", logx.Fields{"task_id": task.ID, "type": task.Type})
		w.broker.finish(parent, task.ID, StateFailure, Meta{Status: "revoked"})

	case reg.retry.shouldRetry(task, err):
		countdown := time.Duration(0)
		if reg.retry.Countdown != nil {
			countdown = reg.retry.Countdown(task.Attempt + 1)
		}
		logx.Warn("tarea fallida, reintento programado", logx.Fields{
			"task_id": task.ID, "type": task.Type, "attempt": task.Attempt + 1,
			"countdown": countdown.String(), "error": err.Error(),
		})
		meta := Meta{Status: err.Error(), Extra: map[string]any{"attempt": task.Attempt + 1}}
		if qerr := w.broker.Requeue(parent, task, countdown, meta); qerr != nil {
			logx.Error("no se pudo re-encolar", logx.Fields{"task_id": task.ID, "error": qerr.Error()})
			w.fail(parent, task, err)
		}

	default:
		w.fail(parent, task, err)
	}
}

func (w *Worker) fail(ctx context.Context, task *Task, err error) {
	logx.Error("tarea fallida sin reintentos", logx.Fields{
		"task_id": task.ID, "type": task.Type, "attempt": task.Attempt, "error": err.Error(),
	})
	w.broker.finish(ctx, task.ID, StateFailure, Meta{Status: err.Error()})
	if w.OnFailure != nil {
		w.OnFailure(ctx, task, err)
	}
}

// revocationSet es el cache local de IDs revocados que llegan por pub/sub.
type revocationSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newRevocationSet() *revocationSet {
	return &revocationSet{ids: make(map[string]struct{})}
}

func (s *revocationSet) mark(id string) {
	s.mu.Lock()
	s.ids[id] = struct{}{}
	s.mu.Unlock()
}

func (s *revocationSet) has(id string) bool {
	s.mu.Lock()
	_, ok := s.ids[id]
	s.mu.Unlock()
	return ok
}
