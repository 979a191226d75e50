package audit

import (
	"encoding/json"
	"log"
	"time"
)

type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	EventType   string    `json:"event_type"`
	OperationID string    `json:"operation_id"`
	UserID      int64     `json:"user_id"`
	Amount      int64     `json:"amount"`
	Status      string    `json:"status"`
	Details     any       `json:"details"`
}

type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogBalanceChange(operationID string, userID, amount, balanceAfter int64, operationType string) {
	event := Event{
		Timestamp:   time.Now(),
		EventType:   "BALANCE_CHANGE",
		OperationID: operationID,
		UserID:      userID,
		Amount:      amount,
		Status:      "SUCCESS",
		Details: map[string]any{
			"operation_type": operationType,
			"balance_after":  balanceAfter,
		},
	}
	a.log(event)
}

func (a *Logger) LogError(operationID string, userID int64, err error) {
	event := Event{
		Timestamp:   time.Now(),
		EventType:   "ERROR",
		OperationID: operationID,
		UserID:      userID,
		Status:      "FAILED",
		Details:     map[string]string{"error": err.Error()},
	}
	a.log(event)
}

func (a *Logger) LogOperation(operationID string, userID int64, operation, details string) {
	event := Event{
		Timestamp:   time.Now(),
		EventType:   operation,
		OperationID: operationID,
		UserID:      userID,
		Status:      "SUCCESS",
		Details:     map[string]string{"details": details},
	}
	a.log(event)
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
