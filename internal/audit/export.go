package audit

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

var csvHeader = []string{
	"seq", "id", "occurred_at", "principal_id", "role", "module", "action",
	"target_type", "target_id", "outcome", "reason", "source_addr",
	"user_agent", "request_id", "policy_version", "before", "after",
}

// Exporter menulis ekspor timeline audit.
type Exporter struct {
	logger *slog.Logger
}

// NewExporter membuat exporter CSV.
func NewExporter(logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{logger: logger}
}

// WriteCSV mengubah record menjadi CSV dengan header tetap.
func (e *Exporter) WriteCSV(rows []Record) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("audit: csv header: %w", err)
	}
	for _, rec := range rows {
		line := []string{
			strconv.FormatInt(rec.Seq, 10),
			rec.ID.String(),
			rec.OccurredAt.UTC().Format(time.RFC3339Nano),
			formatPrincipal(rec.PrincipalID),
			rec.Role,
			rec.Module.String(),
			rec.Action.String(),
			rec.Target.Type,
			rec.Target.ID,
			string(rec.Outcome),
			rec.Reason,
			rec.SourceAddr,
			rec.UserAgent,
			rec.RequestID,
			strconv.FormatUint(rec.PolicyVersion, 10),
			string(rec.Before),
			string(rec.After),
		}
		if err := w.Write(line); err != nil {
			return nil, fmt.Errorf("audit: csv row %s: %w", rec.ID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	e.logger.Debug("audit csv exported", slog.Int("rows", len(rows)))
	return buf.Bytes(), nil
}

func formatPrincipal(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}
