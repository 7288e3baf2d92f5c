package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"recon-engine/internal/platform/logx"
)

// Claves en Redis. Las colas son ZSETs puntuados por (ready-time, prioridad);
// las leases son un ZSET puntuado por expiración.
const (
	queueKeyPrefix = "recon:queue:"
	taskKeyPrefix  = "recon:task:"
	procKeyPrefix  = "recon:processing:"
	leaseKey       = "recon:leases"
	revokedPrefix  = "recon:revoked:"
	revokeChannel  = "recon:revoke"

	// leaseDuration es la ventana tras la cual un task reservado por un worker
	// muerto vuelve a la cola (acks tardíos + reject_on_worker_lost).
	leaseDuration = 2 * time.Minute
)

// Broker encapsula las operaciones del dispatcher sobre Redis.
type Broker struct {
	rdb redis.UniversalClient
}

// NewBroker construye el broker sobre un cliente go-redis existente.
func NewBroker(rdb redis.UniversalClient) *Broker {
	return &Broker{rdb: rdb}
}

// OpenBroker conecta contra la URL del broker y verifica conectividad.
func OpenBroker(ctx context.Context, brokerURL string) (*Broker, error) {
	opts, err := redis.ParseURL(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("broker URL inválida: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return NewBroker(rdb), nil
}

// Close libera el cliente subyacente.
func (b *Broker) Close() error {
	return b.rdb.Close()
}

// score combina ready-time y prioridad: primero lo que ya está listo, y a
// igualdad de milisegundo gana la prioridad más alta.
func score(readyAt time.Time, priority int) float64 {
	if priority < 0 {
		priority = 0
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	return float64(readyAt.UnixMilli()*16 + int64(MaxPriority-priority))
}

// Enqueue serializa la tarea y la deja lista en su cola a partir de readyAt.
func (b *Broker) Enqueue(ctx context.Context, task *Task, readyAt time.Time) error {
	envelope, err := json.Marshal(task)
	if err != nil {
		return err
	}
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, taskKeyPrefix+task.ID,
		"envelope", envelope,
		"state", string(StatePending),
		"meta", "{}")
	pipe.ZAdd(ctx, queueKeyPrefix+task.Queue, redis.Z{
		Score:  score(readyAt, task.Priority),
		Member: task.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

// Reserve intenta reclamar la siguiente tarea lista en las colas indicadas,
// respetando su orden. La reclamación es atómica: solo un worker consigue el
// ZRem. prefetch_multiplier=1 — un worker nunca reserva más de una tarea.
func (b *Broker) Reserve(ctx context.Context, queues []string, workerID string) (*Task, error) {
	now := time.Now()
	maxScore := fmt.Sprintf("%d", (now.UnixMilli()+1)*16)

	for _, queue := range queues {
		key := queueKeyPrefix + queue
		ids, err := b.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: "-inf", Max: maxScore, Count: 4,
		}).Result()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			removed, err := b.rdb.ZRem(ctx, key, id).Result()
			if err != nil {
				return nil, err
			}
			if removed == 0 {
				continue // otro worker lo reclamó primero
			}
			task, err := b.loadTask(ctx, id)
			if err != nil {
				logx.Warn("tarea reservada sin sobre, descartada", logx.Fields{"task_id": id, "error": err.Error()})
				continue
			}
			if revoked, _ := b.IsRevoked(ctx, id); revoked {
				b.finish(ctx, id, StateFailure, Meta{Status: "revoked before start"})
				continue
			}

			expiry := now.Add(leaseDuration)
			pipe := b.rdb.TxPipeline()
			pipe.ZAdd(ctx, leaseKey, redis.Z{Score: float64(expiry.UnixMilli()), Member: id})
			pipe.Set(ctx, procKeyPrefix+id, queue, 0)
			pipe.HSet(ctx, taskKeyPrefix+id, "state", string(StateStarted), "worker", workerID)
			if _, err := pipe.Exec(ctx); err != nil {
				return nil, err
			}
			return task, nil
		}
	}
	return nil, nil
}

// RenewLease extiende la lease de una tarea en vuelo.
func (b *Broker) RenewLease(ctx context.Context, taskID string) error {
	expiry := time.Now().Add(leaseDuration)
	return b.rdb.ZAdd(ctx, leaseKey, redis.Z{Score: float64(expiry.UnixMilli()), Member: taskID}).Err()
}

// Ack confirma la tarea terminada (ack tardío) y publica su estado final.
func (b *Broker) Ack(ctx context.Context, taskID string, state State, meta Meta) error {
	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, leaseKey, taskID)
	pipe.Del(ctx, procKeyPrefix+taskID)
	b.writeState(ctx, pipe, taskID, state, meta)
	pipe.Expire(ctx, taskKeyPrefix+taskID, resultTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Requeue devuelve la tarea a su cola para un reintento tras countdown,
// publicando el estado RETRY con el número de intento.
func (b *Broker) Requeue(ctx context.Context, task *Task, countdown time.Duration, meta Meta) error {
	task.Attempt++
	envelope, err := json.Marshal(task)
	if err != nil {
		return err
	}
	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, leaseKey, task.ID)
	pipe.Del(ctx, procKeyPrefix+task.ID)
	pipe.HSet(ctx, taskKeyPrefix+task.ID, "envelope", envelope)
	b.writeState(ctx, pipe, task.ID, StateRetry, meta)
	pipe.ZAdd(ctx, queueKeyPrefix+task.Queue, redis.Z{
		Score:  score(time.Now().Add(countdown), task.Priority),
		Member: task.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

// ReapExpiredLeases re-encola tareas cuyo worker murió sin hacer ack.
func (b *Broker) ReapExpiredLeases(ctx context.Context) (int, error) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	ids, err := b.rdb.ZRangeByScore(ctx, leaseKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, id := range ids {
		removed, err := b.rdb.ZRem(ctx, leaseKey, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		queue, err := b.rdb.Get(ctx, procKeyPrefix+id).Result()
		if err != nil {
			continue
		}
		task, err := b.loadTask(ctx, id)
		if err != nil {
			continue
		}
		pipe := b.rdb.TxPipeline()
		pipe.Del(ctx, procKeyPrefix+id)
		pipe.HSet(ctx, taskKeyPrefix+id, "state", string(StatePending))
		pipe.ZAdd(ctx, queueKeyPrefix+queue, redis.Z{
			Score:  score(time.Now(), task.Priority),
			Member: id,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return reaped, err
		}
		logx.Warn("lease expirada, tarea re-encolada", logx.Fields{"task_id": id, "queue": queue})
		reaped++
	}
	return reaped, nil
}

// PublishProgress sobrescribe el meta de progreso de la tarea.
func (b *Broker) PublishProgress(ctx context.Context, taskID string, meta Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return b.rdb.HSet(ctx, taskKeyPrefix+taskID,
		"state", string(StateProgress), "meta", data).Err()
}

// Revoke marca la tarea como revocada y avisa por pub/sub para que el worker
// en vuelo cancele su contexto.
func (b *Broker) Revoke(ctx context.Context, taskID string) error {
	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, revokedPrefix+taskID, "1", resultTTL)
	pipe.Publish(ctx, revokeChannel, taskID)
	_, err := pipe.Exec(ctx)
	return err
}

// IsRevoked consulta el flag de revocación.
func (b *Broker) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	n, err := b.rdb.Exists(ctx, revokedPrefix+taskID).Result()
	return n > 0, err
}

// SubscribeRevocations entrega los IDs de tareas revocadas por el canal
// devuelto hasta que el contexto muera.
func (b *Broker) SubscribeRevocations(ctx context.Context) <-chan string {
	out := make(chan string, 8)
	sub := b.rdb.Subscribe(ctx, revokeChannel)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Inspect devuelve el snapshot estado+meta de una tarea. Una tarea
// desconocida se reporta como PENDING, igual que hace un result backend al
// estilo Celery.
func (b *Broker) Inspect(ctx context.Context, taskID string) (Snapshot, error) {
	fields, err := b.rdb.HGetAll(ctx, taskKeyPrefix+taskID).Result()
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{TaskID: taskID, State: StatePending}
	if raw, ok := fields["state"]; ok && raw != "" {
		snap.State = State(raw)
	}
	if raw, ok := fields["meta"]; ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &snap.Meta)
	}
	return snap, nil
}

func (b *Broker) loadTask(ctx context.Context, taskID string) (*Task, error) {
	envelope, err := b.rdb.HGet(ctx, taskKeyPrefix+taskID, "envelope").Result()
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal([]byte(envelope), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (b *Broker) finish(ctx context.Context, taskID string, state State, meta Meta) {
	if err := b.Ack(ctx, taskID, state, meta); err != nil {
		logx.Warn("no se pudo finalizar tarea", logx.Fields{"task_id": taskID, "error": err.Error()})
	}
}

func (b *Broker) writeState(ctx context.Context, pipe redis.Pipeliner, taskID string, state State, meta Meta) {
	data, err := json.Marshal(meta)
	if err != nil {
		data = []byte("{}")
	}
	pipe.HSet(ctx, taskKeyPrefix+taskID, "state", string(state), "meta", data)
}
