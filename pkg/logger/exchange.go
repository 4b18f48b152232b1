package logger

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Output formats for the traffic file
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// TrafficOptions configures the exchange logger
type TrafficOptions struct {
	OutputFile string
	Format     string
	Console    Logger // optional, receives a one-line summary per exchange
}

// ExchangeLogger writes traffic records to the console and/or a file
type ExchangeLogger struct {
	opts       TrafficOptions
	sessionID  string
	mu         sync.Mutex
	outputFile *os.File
	csvWriter  *csv.Writer
}

// NewTraffic creates a traffic logger; with neither a file nor a console it is a no-op
func NewTraffic(opts TrafficOptions) (TrafficLogger, error) {
	if opts.OutputFile == "" && opts.Console == nil {
		return NopTraffic(), nil
	}
	if opts.Format == "" {
		opts.Format = FormatJSON
	}

	l := &ExchangeLogger{
		opts:      opts,
		sessionID: generateSessionID(),
	}

	if opts.OutputFile != "" {
		if err := l.setupFileOutput(); err != nil {
			return nil, fmt.Errorf("failed to setup traffic output: %w", err)
		}
	}
	return l, nil
}

func (l *ExchangeLogger) setupFileOutput() error {
	var err error
	l.outputFile, err = os.OpenFile(l.opts.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	if l.opts.Format == FormatCSV {
		l.csvWriter = csv.NewWriter(l.outputFile)
		// Only a fresh file gets a header row.
		if info, err := l.outputFile.Stat(); err == nil && info.Size() == 0 {
			header := []string{"timestamp", "session_id", "conn_id", "mode", "host", "method", "path", "format", "status_code", "items", "request_size", "response_size", "duration_ms"}
			if err := l.csvWriter.Write(header); err != nil {
				return err
			}
			l.csvWriter.Flush()
		}
	}
	return nil
}

// LogTraffic records one exchange
func (l *ExchangeLogger) LogTraffic(record *TrafficRecord) error {
	record.SessionID = l.sessionID
	record.DurationMS = record.Duration.Milliseconds()

	if l.opts.Console != nil {
		l.opts.Console.Info("%s %s %s -> %d (%s, %d items, %v)",
			record.Mode, record.Method, record.Path, record.StatusCode, record.Format, record.Items, record.Duration)
	}

	if l.outputFile == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.opts.Format {
	case FormatCSV:
		return l.writeCSV(record)
	case FormatText:
		return l.writeText(record)
	default:
		return l.writeJSON(record)
	}
}

func (l *ExchangeLogger) writeJSON(record *TrafficRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = l.outputFile.Write(append(data, '\n'))
	return err
}

func (l *ExchangeLogger) writeCSV(record *TrafficRecord) error {
	row := []string{
		record.Timestamp.Format(time.RFC3339),
		record.SessionID,
		record.ConnID,
		record.Mode,
		record.Host,
		record.Method,
		record.Path,
		record.Format,
		strconv.Itoa(record.StatusCode),
		strconv.Itoa(record.Items),
		strconv.Itoa(record.RequestSize),
		strconv.Itoa(record.ResponseSize),
		strconv.FormatInt(record.DurationMS, 10),
	}
	if err := l.csvWriter.Write(row); err != nil {
		return err
	}
	l.csvWriter.Flush()
	return l.csvWriter.Error()
}

func (l *ExchangeLogger) writeText(record *TrafficRecord) error {
	text := fmt.Sprintf("[%s] %s %s %s %s%s -> %d %s (%d items, %d bytes, %v)\n",
		record.Timestamp.Format("15:04:05"),
		record.SessionID,
		record.Mode,
		record.Method,
		record.Host,
		record.Path,
		record.StatusCode,
		record.Format,
		record.Items,
		record.ResponseSize,
		record.Duration,
	)
	_, err := l.outputFile.WriteString(text)
	return err
}

// Close flushes and closes the traffic file
func (l *ExchangeLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.csvWriter != nil {
		l.csvWriter.Flush()
	}
	if l.outputFile != nil {
		err := l.outputFile.Close()
		l.outputFile = nil
		return err
	}
	return nil
}

func generateSessionID() string {
	return "tl_" + uuid.NewString()[:8]
}
