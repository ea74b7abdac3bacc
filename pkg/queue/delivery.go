package queue

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusRequeued  Status = "REQUEUED"
)

// Delivery is one message handed out by a Transport. Body is the work item:
// an opaque token, a UUID string when produced by Producer.
type Delivery struct {
	ID          string    `json:"id"`
	Queue       string    `json:"queue"`
	Body        []byte    `json:"body"`
	Status      Status    `json:"status"`
	Redelivered bool      `json:"redelivered"`
	ReceivedAt  time.Time `json:"received_at"`
}

// ItemID returns the work item identifier carried by the delivery.
func (d *Delivery) ItemID() string {
	if d == nil {
		return ""
	}
	return string(d.Body)
}

// NewItemID returns a fresh unique work item identifier.
func NewItemID() string {
	return uuid.New().String()
}

// NewInstanceID returns a process-lifetime random token (10 bytes, hex).
// It only distinguishes instances sharing a queue in logs, heartbeats and
// transport ownership keys.
func NewInstanceID() string {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand does not fail on supported platforms
		return uuid.New().String()[:20]
	}
	return hex.EncodeToString(b)
}
