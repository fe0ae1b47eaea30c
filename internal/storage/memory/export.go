// internal/storage/memory/export.go
package memory

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lapsync/engine/pkg/core"
)

// ReportExport is the root JSON structure of an exported report
type ReportExport struct {
	ID        string           `json:"id"`
	SessionID string           `json:"sessionId"`
	Stream    string           `json:"stream"`
	CreatedAt string           `json:"createdAt"`
	Laps      []core.ReportRow `json:"laps"`
}

func buildExport(r *core.SplitReport) ReportExport {
	laps := r.Rows
	if laps == nil {
		laps = make([]core.ReportRow, 0)
	}
	return ReportExport{
		ID:        r.ID,
		SessionID: r.SessionID,
		Stream:    r.Stream.String(),
		CreatedAt: r.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		Laps:      laps,
	}
}

// exportFilename is <session>_<stream>_<timestamp>_<id>.json[.gz]
func (b *Backend) exportFilename(r *core.SplitReport) string {
	session := sanitize(r.SessionID)
	if session == "" {
		session = "session"
	}
	name := fmt.Sprintf("%s_%s_%s_%s.json", session, r.Stream, r.CreatedAt.UTC().Format("20060102_150405"), sanitize(r.ID))
	if b.cfg.CompressOutput {
		name += ".gz"
	}
	return name
}

func sanitize(s string) string {
	return strings.NewReplacer(" ", "_", ":", "_", "/", "_", "\\", "_").Replace(s)
}

// exportJSON writes the report to the output directory and returns the file path
func (b *Backend) exportJSON(r *core.SplitReport) (string, error) {
	if err := os.MkdirAll(b.cfg.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	outputPath := filepath.Join(b.cfg.OutputDir, b.exportFilename(r))

	export := buildExport(r)
	if b.cfg.CompressOutput {
		if err := writeGzipJSON(outputPath, export); err != nil {
			return "", err
		}
	} else {
		if err := writeJSON(outputPath, export); err != nil {
			return "", err
		}
	}
	return outputPath, nil
}

func writeJSON(path string, data ReportExport) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	return encoder.Encode(data)
}

func writeGzipJSON(path string, data ReportExport) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	gzWriter := gzip.NewWriter(f)
	defer gzWriter.Close()

	encoder := json.NewEncoder(gzWriter)
	return encoder.Encode(data)
}
