package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	apperrors "recon-engine/internal/platform/errors"
)

// Client es la cara del dispatcher que consume la API: encolar, observar y
// revocar tareas sin tocar el broker directamente.
type Client struct {
	broker *Broker
}

// NewClient envuelve un broker ya abierto.
func NewClient(broker *Broker) *Client {
	return &Client{broker: broker}
}

// Submit encola una tarea del tipo dado con prioridad por defecto y devuelve
// su ID. El payload se serializa a JSON.
func (c *Client) Submit(ctx context.Context, taskType string, payload any) (string, error) {
	return c.SubmitWithPriority(ctx, taskType, payload, DefaultPriority)
}

// SubmitWithPriority encola con una prioridad explícita dentro de 0–10.
func (c *Client) SubmitWithPriority(ctx context.Context, taskType string, payload any, priority int) (string, error) {
	queue, ok := Routes[taskType]
	if !ok {
		return "", &apperrors.InvalidArgumentError{Field: "task_type", Reason: "tipo de tarea desconocido: " + taskType}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	task := &Task{
		ID:         uuid.NewString(),
		Type:       taskType,
		Queue:      queue,
		Payload:    data,
		Priority:   priority,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := c.broker.Enqueue(ctx, task, time.Now()); err != nil {
		return "", err
	}
	return task.ID, nil
}

// State devuelve el snapshot estado+meta de una tarea.
func (c *Client) State(ctx context.Context, taskID string) (Snapshot, error) {
	return c.broker.Inspect(ctx, taskID)
}

// Revoke marca la tarea para cancelación; si está en vuelo, el worker
// cancelará su contexto en el próximo heartbeat.
func (c *Client) Revoke(ctx context.Context, taskID string) error {
	return c.broker.Revoke(ctx, taskID)
}
