package ledger

import (
	"encoding/json"
	"log"
	"time"
)

type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	EntityID  string    `json:"entity_id"`
	Code      string    `json:"code,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Status    string    `json:"status"`
	Details   any       `json:"details,omitempty"`
}

// AuditLogger writes one JSON line per ledger write.
type AuditLogger struct {
	logger *log.Logger
}

func NewAuditLogger(logger *log.Logger) *AuditLogger {
	if logger == nil {
		logger = log.Default()
	}
	return &AuditLogger{logger: logger}
}

func (a *AuditLogger) LogOperation(eventType, entityID, code, amount string, details any) {
	a.log(AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		EntityID:  entityID,
		Code:      code,
		Amount:    amount,
		Status:    "SUCCESS",
		Details:   details,
	})
}

func (a *AuditLogger) LogError(eventType, entityID string, err error) {
	a.log(AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		EntityID:  entityID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *AuditLogger) log(event AuditEvent) {
	data, _ := json.Marshal(event)
	a.logger.Printf("AUDIT: %s", string(data))
}
