// internal/storage/memory/memory.go
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/lapsync/engine/internal/config"
	"github.com/lapsync/engine/pkg/core"
)

// Backend keeps split reports in memory and, when an output directory is configured,
// exports each one as a JSON file.
type Backend struct {
	cfg config.MemoryConfig

	reports        map[string][]core.SplitReport // keyed by session id
	lastExportPath string
	mu             sync.RWMutex
}

// New creates a new memory backend
func New(cfg config.MemoryConfig) *Backend {
	return &Backend{
		cfg:     cfg,
		reports: make(map[string][]core.SplitReport),
	}
}

// Init initializes the backend
func (b *Backend) Init(ctx context.Context) error {
	return nil
}

// Close cleans up resources
func (b *Backend) Close(ctx context.Context) error {
	return nil
}

// SaveReport records the report and writes it to the output directory.
func (b *Backend) SaveReport(ctx context.Context, r *core.SplitReport) error {
	if r.ID == "" {
		return core.ErrMissingReportID
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	stored := *r
	stored.Rows = slices.Clone(r.Rows)
	if b.cfg.OutputDir != "" {
		path, err := b.exportJSON(&stored)
		if err != nil {
			return err
		}
		b.lastExportPath = path
	}
	b.reports[r.SessionID] = append(b.reports[r.SessionID], stored)
	return nil
}

// ListReports returns copies of the session's reports in save order.
func (b *Backend) ListReports(ctx context.Context, sessionID string) ([]core.SplitReport, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stored := b.reports[sessionID]
	out := make([]core.SplitReport, len(stored))
	for i, r := range stored {
		out[i] = r
		out[i].Rows = slices.Clone(r.Rows)
	}
	return out, nil
}

// LastExportPath returns the file written by the most recent SaveReport, or "" when
// nothing has been exported.
func (b *Backend) LastExportPath() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastExportPath
}
