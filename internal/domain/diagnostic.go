package domain

import (
	"fmt"
	"strings"
	"time"
)

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseSeverity(v string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "info", "":
		return SeverityInfo, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "error":
		return SeverityError, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q", v)
}

// DiagnosticEntry is one row of the visible diagnostics log, or the
// latest snapshot held by an aggregation bucket.
type DiagnosticEntry struct {
	ID             string            `json:"id"`
	Signature      string            `json:"signature"`
	Code           string            `json:"code"`
	Message        string            `json:"message"`
	Severity       Severity          `json:"severity"`
	Source         string            `json:"source"`
	FirstTimestamp time.Time         `json:"firstTimestamp"`
	LastTimestamp  time.Time         `json:"lastTimestamp"`
	Count          int               `json:"count"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Suppressed     bool              `json:"suppressed"`
}
