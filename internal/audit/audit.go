package audit

import (
	"encoding/json"
	"log"
	"time"
)

// Event is one structured audit record. Audit lines are the offline record
// for billing disputes, so every ledger mutation and job transition emits one.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	AccountID string    `json:"account_id"`
	JobID     string    `json:"job_id,omitempty"`
	TxnID     string    `json:"txn_id,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	Status    string    `json:"status"`
	Details   any       `json:"details,omitempty"`
}

type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogLedger(eventType, accountID, txnID string, amount int64, status string) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: eventType,
		AccountID: accountID,
		TxnID:     txnID,
		Amount:    amount,
		Status:    status,
	})
}

func (a *Logger) LogTransition(jobID, accountID, from, to string) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "JOB_TRANSITION",
		AccountID: accountID,
		JobID:     jobID,
		Status:    to,
		Details:   map[string]string{"from": from},
	})
}

func (a *Logger) LogError(accountID, jobID string, err error) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "ERROR",
		AccountID: accountID,
		JobID:     jobID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
