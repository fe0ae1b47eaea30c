// internal/storage/storage.go
package storage

import (
	"context"

	"github.com/lapsync/engine/pkg/core"
)

// Backend is the interface all report storage implementations must satisfy
type Backend interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close(ctx context.Context) error

	// SaveReport stores one built split report. Reports without an id are rejected
	// with core.ErrMissingReportID.
	SaveReport(ctx context.Context, r *core.SplitReport) error
	// ListReports returns the reports of a session, oldest first.
	ListReports(ctx context.Context, sessionID string) ([]core.SplitReport, error)
}

// Exporter is an optional interface for backends that write each report to a file.
type Exporter interface {
	LastExportPath() string
}
