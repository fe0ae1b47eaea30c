// Package influx writes drift-correction telemetry to InfluxDB. When the server cannot
// be reached, points are appended as gzip'd line protocol to a backup file instead.
package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/lapsync/engine/internal/config"
	"github.com/lapsync/engine/pkg/core"
	"github.com/rs/zerolog"
)

// MeasurementDrift is the measurement name of drift-correction points.
const MeasurementDrift = "drift_correction"

// bucketRetention is applied to a bucket created on connect.
const bucketRetention = 60 * 60 * 24 * 90 // 90 days

// ErrDisabled is returned by Connect when influx.enabled is false.
var ErrDisabled = errors.New("influx disabled")

// Recorder sends drift samples of one session to InfluxDB.
type Recorder struct {
	Client       influxdb2.Client
	Writer       influxdb2_api.WriteAPI
	BackupWriter *gzip.Writer
	IsValid      bool
	Logger       zerolog.Logger
	BackupPath   string

	cfg        config.InfluxConfig
	sessionID  string
	backupFile *os.File
	mu         sync.Mutex
}

// NewRecorder creates a recorder tagging every point with sessionID.
func NewRecorder(cfg config.InfluxConfig, sessionID, backupPath string, log zerolog.Logger) *Recorder {
	return &Recorder{
		Logger:     log.With().Str("component", "influx").Logger(),
		BackupPath: backupPath,
		cfg:        cfg,
		sessionID:  sessionID,
	}
}

// Connect establishes a connection to InfluxDB, falling back to the backup file when
// the server does not answer a ping.
func (r *Recorder) Connect(ctx context.Context) error {
	if !r.cfg.Enabled {
		return ErrDisabled
	}

	r.Client = influxdb2.NewClientWithOptions(
		r.cfg.URL(),
		r.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(500).
			SetFlushInterval(1000),
	)

	// validate client connection health
	running, err := r.Client.Ping(ctx)
	if err != nil || !running {
		r.IsValid = false
		if r.BackupPath == "" {
			return fmt.Errorf("influxdb unreachable at %s and no backup path set", r.cfg.URL())
		}
		r.Logger.Info().Str("backupPath", r.BackupPath).
			Msg("Failed to reach InfluxDB, writing drift samples to backup file")

		file, err := os.OpenFile(r.BackupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("error creating backup file: %v", err)
		}
		r.backupFile = file
		r.BackupWriter = gzip.NewWriter(file)
		return nil
	}

	r.IsValid = true
	if err := r.ensureBucket(ctx); err != nil {
		// the token may lack org permissions; writes can still succeed
		r.Logger.Warn().Err(err).Str("bucket", r.cfg.Bucket).Msg("Could not verify bucket")
	}
	r.createWriter()
	r.Logger.Info().Str("url", r.cfg.URL()).Msg("InfluxDB client initialized")
	return nil
}

func (r *Recorder) ensureBucket(ctx context.Context) error {
	if _, err := r.Client.BucketsAPI().FindBucketByName(ctx, r.cfg.Bucket); err == nil {
		return nil
	}

	org, err := r.Client.OrganizationsAPI().FindOrganizationByName(ctx, r.cfg.Org)
	if err != nil {
		r.Logger.Info().Str("org", r.cfg.Org).Msg("Organization not found, creating")
		org, err = r.Client.OrganizationsAPI().CreateOrganizationWithName(ctx, r.cfg.Org)
		if err != nil {
			return fmt.Errorf("error creating organization: %w", err)
		}
	}

	r.Logger.Info().Str("bucket", r.cfg.Bucket).Msg("Bucket not found, creating")
	rule := domain.RetentionRuleTypeExpire
	_, err = r.Client.BucketsAPI().CreateBucketWithName(ctx, org, r.cfg.Bucket, domain.RetentionRule{
		Type:         &rule,
		EverySeconds: bucketRetention,
	})
	if err != nil {
		return fmt.Errorf("error creating bucket: %w", err)
	}
	return nil
}

func (r *Recorder) createWriter() {
	r.Writer = r.Client.WriteAPI(r.cfg.Org, r.cfg.Bucket)

	errorsCh := r.Writer.Errors()
	go func() {
		for writeErr := range errorsCh {
			r.Logger.Error().Err(writeErr).Str("bucket", r.cfg.Bucket).
				Msg("Error sending data to InfluxDB")
		}
	}()
}

// DriftPoint converts a sample to a line protocol point.
func DriftPoint(sessionID string, s core.DriftSample) *influxdb2_write.Point {
	return influxdb2_write.NewPoint(
		MeasurementDrift,
		map[string]string{
			"session": sessionID,
			"stream":  s.Stream.String(),
		},
		map[string]any{
			"drift_ms":    millis(s.Drift()),
			"lap":         int64(s.Lap),
			"expected_ms": millis(s.Expected),
			"actual_ms":   millis(s.Actual),
		},
		s.Time,
	)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// RecordDrift writes one sample. It never blocks on the network; failures are logged.
func (r *Recorder) RecordDrift(ctx context.Context, s core.DriftSample) {
	if err := r.WritePoint(DriftPoint(r.sessionID, s)); err != nil {
		r.Logger.Warn().Err(err).Str("stream", s.Stream.String()).Msg("Dropped drift sample")
	}
}

// WritePoint writes a point to InfluxDB or the backup file.
func (r *Recorder) WritePoint(point *influxdb2_write.Point) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.IsValid {
		r.Writer.WritePoint(point)
		return nil
	}
	if r.BackupWriter == nil {
		return fmt.Errorf("influxDB client not initialized and backup writer not available")
	}

	lineProtocol := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
	if _, err := r.BackupWriter.Write([]byte(lineProtocol)); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %s", err)
	}
	return nil
}

// Flush sends buffered points.
func (r *Recorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Writer != nil {
		r.Writer.Flush()
	}
	if r.BackupWriter != nil {
		_ = r.BackupWriter.Flush()
	}
}

// Close flushes and releases the client and backup file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if r.Writer != nil {
		r.Writer.Flush()
	}
	if r.Client != nil {
		r.Client.Close()
		r.Client = nil
	}
	if r.BackupWriter != nil {
		errs = append(errs, r.BackupWriter.Close())
		r.BackupWriter = nil
	}
	if r.backupFile != nil {
		errs = append(errs, r.backupFile.Close())
		r.backupFile = nil
	}
	r.IsValid = false
	r.Writer = nil
	return errors.Join(errs...)
}
