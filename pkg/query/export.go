package query

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ryouol/agent-diagnostics/pkg/models"
)

// Format is an export serialization
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Export serializes events. JSON is an indented array; text is one line per
// event: timestamp, level, agent/tool, correlation id, message, details.
func Export(events []models.LogEvent, format Format) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		if events == nil {
			events = []models.LogEvent{}
		}
		data, err := json.MarshalIndent(events, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal events: %w", err)
		}
		return data, nil
	case FormatText:
		var b strings.Builder
		for _, e := range events {
			b.WriteString(formatLine(e))
			b.WriteByte('\n')
		}
		return []byte(b.String()), nil
	default:
		return nil, &models.InvalidArgumentError{Field: "format", Reason: fmt.Sprintf("unsupported export format %q (valid: json, text)", format)}
	}
}

func formatLine(e models.LogEvent) string {
	var b strings.Builder
	b.WriteString(e.Timestamp.UTC().Format(time.RFC3339Nano))
	b.WriteString(" [")
	b.WriteString(strings.ToUpper(string(e.Level)))
	b.WriteString("]")

	source := e.Agent
	if e.Tool != "" {
		if source != "" {
			source += "/"
		}
		source += e.Tool
	}
	if source != "" {
		b.WriteString(" ")
		b.WriteString(source)
	}
	if e.CorrelationID != "" {
		b.WriteString(" (")
		b.WriteString(e.CorrelationID)
		b.WriteString(")")
	}
	b.WriteString(" ")
	b.WriteString(e.Message)
	if details := e.DetailsString(); details != "" {
		b.WriteString(" ")
		b.WriteString(details)
	}
	return b.String()
}
