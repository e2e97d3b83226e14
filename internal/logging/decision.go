package logging

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"
)

const maxEventData = 128

// Dispositions a transaction can end with. Detect means a block was called
// for but the engine ran without enforcement.
const (
	DispositionAllow  = "allow"
	DispositionBlock  = "block"
	DispositionDetect = "detect"
)

// Decision is written as a single JSON object per transaction.
type Decision struct {
	Timestamp   time.Time   `json:"ts"`
	TxID        string      `json:"tx_id"`
	Site        string      `json:"site"`
	ClientIP    string      `json:"client_ip"`
	Host        string      `json:"host"`
	Method      string      `json:"method"`
	Path        string      `json:"path"`
	Query       string      `json:"query"`
	Upstream    string      `json:"upstream"`
	Disposition string      `json:"disposition"`
	StatusCode  int         `json:"status_code"`
	Phases      []string    `json:"phases"`
	Events      []RuleEvent `json:"events"`
	RateLimited bool        `json:"rate_limited"`
	DurationMS  int64       `json:"duration_ms"`
	UpstreamMS  int64       `json:"upstream_ms"`
}

// RuleEvent is one security event a rule attached to the transaction.
type RuleEvent struct {
	RuleID     string   `json:"rule_id"`
	Kind       string   `json:"kind"`
	Msg        string   `json:"msg,omitempty"`
	Data       string   `json:"data,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Severity   uint8    `json:"severity"`
	Confidence uint8    `json:"confidence"`
}

type DecisionLogger struct {
	w io.Writer
}

func NewDecisionLogger(w io.Writer) *DecisionLogger {
	return &DecisionLogger{w: w}
}

func OpenDecisionLog(path string) (*DecisionLogger, func() error, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return NewDecisionLogger(file), file.Close, nil
}

func (l *DecisionLogger) Write(decision Decision) error {
	decision.Events = sanitizeEvents(decision.Events)

	data, err := json.Marshal(decision)
	if err != nil {
		return err
	}
	_, err = l.w.Write(append(data, '\n'))
	return err
}

// sanitizeEvents clips expanded logdata, which can embed request content.
func sanitizeEvents(events []RuleEvent) []RuleEvent {
	if len(events) == 0 {
		return nil
	}
	out := make([]RuleEvent, len(events))
	for i, ev := range events {
		out[i] = ev
		if len(ev.Data) > maxEventData {
			out[i].Data = ev.Data[:maxEventData]
		}
	}
	return out
}
