package logger

import (
	"time"
)

// TrafficRecord represents a single translation API exchange handled by the proxy
type TrafficRecord struct {
	Timestamp    time.Time     `json:"timestamp"`
	SessionID    string        `json:"session_id"`
	ConnID       string        `json:"conn_id"`
	Mode         string        `json:"mode"`
	Host         string        `json:"host,omitempty"`
	Method       string        `json:"method"`
	Path         string        `json:"path"`
	Format       string        `json:"format,omitempty"`
	StatusCode   int           `json:"status_code"`
	Items        int           `json:"items"`
	RequestSize  int           `json:"request_size"`
	ResponseSize int           `json:"response_size"`
	Duration     time.Duration `json:"-"`
	DurationMS   int64         `json:"duration_ms"`
}

// TrafficLogger receives one record per dispatched request
type TrafficLogger interface {
	LogTraffic(record *TrafficRecord) error
	Close() error
}

type nopTraffic struct{}

func (nopTraffic) LogTraffic(*TrafficRecord) error { return nil }
func (nopTraffic) Close() error                    { return nil }

// NopTraffic returns a TrafficLogger that drops every record
func NopTraffic() TrafficLogger { return nopTraffic{} }
