package amqp

import (
	"encoding/json"
	"time"
)

// ReportSyncMessage asks the report worker to re-export one year's totals.
// It carries only the year; the worker loads the current state from the
// database so stale messages cannot overwrite newer data.
type ReportSyncMessage struct {
	Year      string    `json:"year"`
	Timestamp time.Time `json:"timestamp"`
}

func NewReportSyncMessage(year string) *ReportSyncMessage {
	return &ReportSyncMessage{
		Year:      year,
		Timestamp: time.Now(),
	}
}

func (m *ReportSyncMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func ReportSyncMessageFromJSON(data []byte) (*ReportSyncMessage, error) {
	var msg ReportSyncMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
