package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/lapsync/engine/internal/compare"
	"github.com/lapsync/engine/internal/config"
	"github.com/lapsync/engine/internal/influx"
	"github.com/lapsync/engine/internal/laps"
	"github.com/lapsync/engine/internal/logging"
	"github.com/lapsync/engine/internal/playback"
	"github.com/lapsync/engine/internal/session"
	"github.com/lapsync/engine/internal/storage"
	"github.com/lapsync/engine/internal/transport"
	"github.com/lapsync/engine/pkg/core"
	"github.com/spf13/cobra"
)

var simulateFlags struct {
	laps  []string
	skews []string
	speed float64
	step     time.Duration
	save     bool
	realtime bool
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run simulated streams through synchronized lap playback",
	Example: `  lapsync simulate --lap A:12s --lap A:8s --lap B:15s --lap B:10s
  lapsync simulate --lap A:30s --lap B:31s --skew B:0.02 --speed 2
  lapsync simulate --lap A:5s --lap B:6s --realtime`,
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := parseLapPlan(simulateFlags.laps, simulateFlags.skews)
		if err != nil {
			return err
		}
		if limit := config.GetSyncConfig().MaxStreams; limit > 0 && len(plan) > limit {
			return fmt.Errorf("%d streams requested, sync.maxStreams is %d: %w", len(plan), limit, core.ErrTooManyStreams)
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return runSimulation(ctx, cmd.OutOrStdout(), plan)
	},
}

func init() {
	f := simulateCmd.Flags()
	f.StringArrayVar(&simulateFlags.laps, "lap", nil, "LABEL:DURATION appends a lap to a stream (repeatable)")
	f.StringArrayVar(&simulateFlags.skews, "skew", nil, "LABEL:FRACTION makes a stream's clock run fast (>0) or slow (<0)")
	f.Float64Var(&simulateFlags.speed, "speed", 1, "synchronized playback speed")
	f.DurationVar(&simulateFlags.step, "step", 100*time.Millisecond, "simulated time per step")
	f.BoolVar(&simulateFlags.save, "save", false, "store each stream's split report in the configured storage backend")
	f.BoolVar(&simulateFlags.realtime, "realtime", false, "run on the wall clock instead of stepping simulated time")
	rootCmd.AddCommand(simulateCmd)
}

// streamPlan is one simulated stream: its lap durations in order and its clock skew.
type streamPlan struct {
	label string
	laps  []time.Duration
	skew  float64
}

func (p streamPlan) total() time.Duration {
	var sum time.Duration
	for _, d := range p.laps {
		sum += d
	}
	return sum
}

func splitLabel(arg string) (string, string, error) {
	label, value, ok := strings.Cut(arg, ":")
	if !ok || label == "" || value == "" {
		return "", "", fmt.Errorf("expected LABEL:VALUE, got %q", arg)
	}
	return label, value, nil
}

// parseLapPlan groups lap flags by label, keeping first-appearance order.
func parseLapPlan(lapArgs, skewArgs []string) ([]streamPlan, error) {
	var plan []streamPlan
	index := map[string]int{}
	for _, arg := range lapArgs {
		label, value, err := splitLabel(arg)
		if err != nil {
			return nil, err
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("lap %q: %w", arg, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("lap %q: duration must be positive", arg)
		}
		i, ok := index[label]
		if !ok {
			i = len(plan)
			index[label] = i
			plan = append(plan, streamPlan{label: label})
		}
		plan[i].laps = append(plan[i].laps, d)
	}
	if len(plan) < 2 {
		return nil, core.ErrTooFewStreams
	}
	if len(plan) > core.MaxStreams {
		return nil, core.ErrTooManyStreams
	}

	for _, arg := range skewArgs {
		label, value, err := splitLabel(arg)
		if err != nil {
			return nil, err
		}
		i, ok := index[label]
		if !ok {
			return nil, fmt.Errorf("skew %q: no laps for stream %s", arg, label)
		}
		skew, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("skew %q: %w", arg, err)
		}
		plan[i].skew = skew
	}
	return plan, nil
}

func sessionConfig(id string) session.Config {
	pc, lc, sc := config.GetPlaybackConfig(), config.GetLapConfig(), config.GetSyncConfig()
	cfg := session.DefaultConfig()
	cfg.ID = id
	cfg.Playback = playback.Config{NearEndThreshold: pc.NearEndThreshold, DefaultFrameRate: pc.DefaultFrameRate}
	cfg.Laps = laps.Config{MarkTolerance: lc.MarkTolerance}
	cfg.Sync = compare.Config{DriftTolerance: sc.DriftTolerance, TickInterval: sc.TickInterval}
	cfg.EventBuffer = 4096
	return cfg
}

func runSimulation(ctx context.Context, out io.Writer, plan []streamPlan) error {
	id := uuid.NewString()
	mock := clock.NewMock()
	var clk clock.Clock = mock
	if simulateFlags.realtime {
		clk = clock.New()
	}
	frameRate := config.GetPlaybackConfig().DefaultFrameRate

	deps := session.Dependencies{
		Logger:     Logger,
		LoopLogger: logging.NewDispatcherLogger(ZLogger),
		Clock:      clk,
	}

	if ic := config.GetInfluxConfig(); ic.Enabled {
		backup := filepath.Join(config.GetString("logsDir"), "drift_"+SessionStartTime.Format("20060102_150405")+".lp.gz")
		rec := influx.NewRecorder(ic, id, backup, ZLogger)
		if err := rec.Connect(ctx); err != nil {
			Logger.Warn("Drift telemetry disabled", "error", err)
		} else {
			defer rec.Close()
			deps.Drift = rec
		}
	}

	if simulateFlags.save {
		cfg := config.GetStorageConfig()
		backend, err := storage.NewBackend(cfg, ZLogger)
		if err != nil {
			return err
		}
		if err := backend.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize %s storage: %w", cfg.Type, err)
		}
		defer backend.Close(ctx)
		deps.Storage = backend
	}

	specs := make([]session.StreamSpec, len(plan))
	sims := make([]*transport.Sim, len(plan))
	for i, p := range plan {
		sims[i] = transport.NewSim(transport.SimConfig{
			Duration:  p.total() + 2*time.Second,
			FrameRate: frameRate,
			Skew:      p.skew,
		})
		specs[i] = session.StreamSpec{
			ID:        core.StreamID(i + 1),
			Label:     p.label,
			Source:    "sim://" + p.label,
			Transport: sims[i],
		}
	}

	s, err := session.New(sessionConfig(id), deps, specs...)
	if err != nil {
		return err
	}
	activeSession.Store(s)
	defer activeSession.Store(nil)

	epoch := clk.Now()
	var printer sync.WaitGroup
	printer.Add(1)
	go func() {
		defer printer.Done()
		for ev := range s.Events().Receive() {
			printEvent(out, s, epoch, ev)
		}
	}()
	closed := false
	closeSession := func() {
		if !closed {
			closed = true
			s.Close()
			printer.Wait()
		}
	}
	defer closeSession()

	flush := func() error {
		return s.Loop().Do(ctx, func(context.Context) error { return nil })
	}

	if err := s.Load(ctx); err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	var longest time.Duration
	for i, p := range plan {
		model, err := s.Laps(specs[i].ID)
		if err != nil {
			return err
		}
		if err := model.MarkStart(0); err != nil {
			return err
		}
		var at time.Duration
		for _, d := range p.laps[:len(p.laps)-1] {
			at += d
			if err := model.AddInteriorMark(at); err != nil {
				return err
			}
		}
		if err := model.MarkEnd(p.total()); err != nil {
			return err
		}
		longest = max(longest, p.total())
	}

	syncer := s.Synchronizer()
	if simulateFlags.speed != 1 {
		if err := syncer.SetSpeed(ctx, simulateFlags.speed); err != nil {
			return err
		}
	}
	step := simulateFlags.step
	if step <= 0 {
		step = 100 * time.Millisecond
	}
	// every lap waits for the slowest stream; allow generous headroom
	maxSteps := int(time.Duration(float64(longest)*4/simulateFlags.speed)/step) + 100

	if simulateFlags.realtime {
		if err := runRealtime(ctx, s, clk, sims, step, time.Duration(maxSteps)*step); err != nil {
			return err
		}
	} else {
		if err := syncer.Start(ctx); err != nil {
			return err
		}
		for n := 0; syncer.Running(); n++ {
			if n > maxSteps {
				return fmt.Errorf("simulation did not complete after %d steps", maxSteps)
			}
			mock.Add(step)
			for _, sim := range sims {
				sim.Advance(step)
			}
			if err := syncer.Tick(ctx); err != nil {
				return err
			}
			if err := flush(); err != nil {
				return err
			}
		}
	}

	fmt.Fprintln(out)
	for _, spec := range specs {
		rows, err := s.BuildSplitReport(spec.ID)
		if err != nil {
			return err
		}
		if err := printReport(out, "Stream "+spec.Label, rows); err != nil {
			return err
		}
		if deps.Storage != nil {
			r, err := s.ExportReport(ctx, spec.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "saved report %s\n", r.ID)
		}
		fmt.Fprintln(out)
	}

	dropped := s.DroppedEvents()
	closeSession()
	if dropped > 0 {
		Logger.Warn("Events dropped during simulation", "count", dropped)
	}
	return nil
}

// runRealtime lets every simulated transport run on clk and the session's own tick
// driver evaluate the quorum, returning once synchronized playback ends.
func runRealtime(ctx context.Context, s *session.Session, clk clock.Clock, sims []*transport.Sim, step, limit time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	var running sync.WaitGroup
	for _, sim := range sims {
		running.Add(1)
		go func() {
			defer running.Done()
			sim.Run(ctx, clk, step)
		}()
	}
	defer running.Wait()
	defer cancel()

	if err := s.StartSynced(ctx); err != nil {
		return err
	}
	poll := clk.Ticker(step)
	defer poll.Stop()
	for s.Synchronizer().Running() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("simulation did not complete: %w", ctx.Err())
		case <-poll.C:
		}
	}
	return nil
}

func printEvent(w io.Writer, s *session.Session, epoch time.Time, ev core.Event) {
	at := ev.Time.Sub(epoch)
	switch ev.Kind {
	case core.EventSyncStarted:
		fmt.Fprintf(w, "[%8s] synchronized playback started\n", at)
	case core.EventStreamWaiting:
		fmt.Fprintf(w, "[%8s] %s waiting at end of lap %d (%s)\n", at, s.Label(ev.Stream), ev.Lap+1, ev.Position)
	case core.EventLapAdvanced:
		fmt.Fprintf(w, "[%8s] lap %d begins\n", at, ev.Lap+1)
	case core.EventDriftCorrected:
		fmt.Fprintf(w, "[%8s] %s corrected by %s\n", at, s.Label(ev.Stream), ev.Drift)
	case core.EventSyncDegraded:
		fmt.Fprintf(w, "[%8s] %s dropped out: %v\n", at, s.Label(ev.Stream), ev.Err)
	case core.EventSyncCompleted:
		fmt.Fprintf(w, "[%8s] all laps complete\n", at)
	}
}
