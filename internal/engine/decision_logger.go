package engine

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Decision is one buy or sell outcome in the audit trail.
type Decision struct {
	RunID         string    `json:"run_id"`
	Timestamp     time.Time `json:"timestamp"`
	Service       string    `json:"service"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Score         int       `json:"score,omitempty"`
	SignalPrice   float64   `json:"signal_price,omitempty"`
	LimitPrice    float64   `json:"limit_price,omitempty"`
	Qty           int       `json:"qty,omitempty"`
	Result        string    `json:"result"`
	Reason        string    `json:"reason,omitempty"`
	RejectReason  string    `json:"reject_reason,omitempty"`
	OrderID       string    `json:"order_id,omitempty"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	FillPrice     float64   `json:"fill_price,omitempty"`
}

// Recorder accepts audit decisions.
type Recorder interface {
	Append(decision Decision)
}

// Discard drops every decision.
type Discard struct{}

func (Discard) Append(Decision) {}

type DecisionLogger struct {
	runID  string
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

func NewDecisionLogger(path string, runID string) (*DecisionLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &DecisionLogger{
		runID:  runID,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

func (d *DecisionLogger) RunID() string {
	return d.runID
}

// Append writes one NDJSON line, stamping the run id and a missing timestamp.
func (d *DecisionLogger) Append(decision Decision) {
	d.mu.Lock()
	defer d.mu.Unlock()
	decision.RunID = d.runID
	if decision.Timestamp.IsZero() {
		decision.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(decision)
	if err != nil {
		slog.Error("failed to marshal decision", "error", err)
		return
	}
	if _, err := d.writer.Write(append(payload, '\n')); err != nil {
		slog.Error("failed to write decision", "error", err)
		return
	}
	if err := d.writer.Flush(); err != nil {
		slog.Error("failed to flush decision log", "error", err)
	}
}

func (d *DecisionLogger) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writer.Flush(); err != nil {
		_ = d.file.Close()
		return err
	}
	return d.file.Close()
}

// NewRunID returns a UTC timestamp plus a random suffix.
func NewRunID() string {
	timestamp := time.Now().UTC().Format("20060102T150405")
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return timestamp
	}
	return timestamp + "-" + hex.EncodeToString(randomBytes)
}
