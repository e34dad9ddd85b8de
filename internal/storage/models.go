package storage

import (
	"encoding/json"
	"time"
)

// AlertRecord captures an emitted alert for auditing.
type AlertRecord struct {
	ID        string
	Type      string
	SourceID  string
	Severity  string
	Message   string
	Data      json.RawMessage
	RaisedAt  time.Time
	CreatedAt time.Time
}
