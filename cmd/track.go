package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andresmejia3/bodytrack/internal/bodytrack"
	"github.com/andresmejia3/bodytrack/internal/config"
	"github.com/andresmejia3/bodytrack/internal/device"
	"github.com/andresmejia3/bodytrack/internal/identity"
	"github.com/andresmejia3/bodytrack/internal/notify"
	"github.com/andresmejia3/bodytrack/internal/presence"
	"github.com/andresmejia3/bodytrack/internal/store"
	"github.com/andresmejia3/bodytrack/internal/utils"
	"github.com/andresmejia3/bodytrack/internal/worker"
)

// trackOptions are the flags of the track command. Zero values defer to the
// configuration file.
type trackOptions struct {
	InputPath   string
	NoStore     bool
	Orientation string
	CPUOnly     bool
	Smoothing   float32
	RealTime    bool
}

var trackOpts trackOptions

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Track bodies in a recording and report who enters and leaves the view",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runTrack(cmd, trackOpts)
	},
}

func init() {
	trackCmd.Flags().StringVarP(&trackOpts.InputPath, "input", "i", "", "Path to a recording (.btrc)")
	trackCmd.Flags().BoolVar(&trackOpts.NoStore, "no-store", false, "Do not persist the session to PostgreSQL")
	trackCmd.Flags().StringVarP(&trackOpts.Orientation, "orientation", "o", "", "Sensor mounting: default, clockwise90, counterclockwise90, flip180")
	trackCmd.Flags().BoolVar(&trackOpts.CPUOnly, "cpu-only", false, "Run the model on the CPU")
	trackCmd.Flags().Float32VarP(&trackOpts.Smoothing, "smoothing", "s", 0, "Temporal smoothing between 0 (responsive) and 1 (smooth)")
	trackCmd.Flags().BoolVar(&trackOpts.RealTime, "real-time", false, "Replay the recording at its original pace")

	trackCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(trackCmd)
}

// applyTrackFlags overlays the flags the user set on the loaded config.
func applyTrackFlags(cmd *cobra.Command, opts trackOptions, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("orientation") {
		cfg.Tracker.Orientation = opts.Orientation
	}
	if flags.Changed("cpu-only") {
		cfg.Tracker.CPUOnly = opts.CPUOnly
	}
	if flags.Changed("smoothing") {
		cfg.Tracker.TemporalSmoothing = opts.Smoothing
	}
	if flags.Changed("real-time") {
		cfg.Driver.RealTime = opts.RealTime
	}
}

// runTrack wires the recording, the worker engine, the pipeline and the
// event sinks together and runs the driver until the recording ends or the
// user interrupts.
func runTrack(cmd *cobra.Command, opts trackOptions) error {
	ctx := cmd.Context()
	cfg := *Cfg
	applyTrackFlags(cmd, opts, &cfg)
	log := utils.Logger

	pipeCfg, err := cfg.Tracker.Pipeline()
	if err != nil {
		utils.Die("Invalid tracker settings", err, "")
	}

	var recOpts []device.Option
	recOpts = append(recOpts, device.WithLogger(log))
	if cfg.Driver.RealTime {
		recOpts = append(recOpts, device.RealTime())
	}
	rec, err := device.Open(opts.InputPath, recOpts...)
	if err != nil {
		utils.Die("Failed to open recording", err, "")
	}
	defer rec.Close()

	cal := rec.Calibration()
	fmt.Fprintf(os.Stderr, "📼 Recording: %s (%s, %dx%d depth)\n", opts.InputPath, cal.DepthMode, cal.DepthWidth, cal.DepthHeight)
	fmt.Fprintf(os.Stderr, "🚀 Starting tracker engine (%s, cpu-only=%t)...\n", pipeCfg.SensorOrientation, pipeCfg.CPUOnly)

	// Keep the engine so its logs can be shown if it dies.
	var eng *worker.Engine
	factory := func(cal bodytrack.Calibration, c bodytrack.Config) (bodytrack.Engine, error) {
		e, err := worker.NewEngine(ctx, 0, cal, c, worker.Options{Command: cfg.Worker.Command, Logger: log})
		if err != nil {
			return nil, err
		}
		eng = e
		return e, nil
	}
	pipe, err := bodytrack.New(cal, pipeCfg, factory, bodytrack.WithLogger(log))
	if err != nil {
		utils.Die("Failed to start tracker", err, "")
	}
	defer pipe.Close()

	d := &driver{
		src:  rec,
		pipe: pipe,
		opts: cfg.Driver,
		out:  os.Stdout,
		log:  log,
	}

	var sess *sessionSink
	if DB != nil {
		fingerprint, err := utils.SourceFingerprint(opts.InputPath)
		if err != nil {
			utils.Die("Failed to fingerprint recording", err, "")
		}
		s, err := DB.StartSession(ctx, opts.InputPath, fingerprint)
		if err != nil {
			utils.Die("Failed to register session", err, "")
		}
		fmt.Fprintf(os.Stderr, "🗂️  Session: %s\n", s.ID)
		sess = &sessionSink{store: DB, id: s.ID}
		d.sinks = append(d.sinks, sess.record)
	}

	if cfg.Redis.Enabled {
		pub := notify.NewPublisher(cfg.Redis.Notify(), log)
		if err := pub.Ping(ctx); err != nil {
			log.Warn("redis connection failed, notifications disabled", zap.Error(err))
			pub.Close()
		} else {
			defer pub.Close()
			sessionKey := publishSessionKey(sess)
			d.sinks = append(d.sinks, func(ctx context.Context, events []presence.Event) error {
				return pub.Publish(ctx, sessionKey, events)
			})
			defer pub.Clear(context.Background(), sessionKey)
		}
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("🧍 Tracking"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)
	d.onFrame = func() { bar.Add(1) }

	runErr := d.run(ctx)
	bar.Finish()

	closeErr := pipe.Close()
	if sess != nil {
		// The run context may already be cancelled; the session still ends.
		if err := DB.FinishSession(context.Background(), sess.id, d.frames); err != nil {
			log.Error("failed to finish session", zap.Error(err))
		}
	}

	if runErr != nil {
		logs := ""
		if eng != nil {
			logs = eng.Stderr()
		}
		utils.Die("Tracking failed", runErr, logs)
	}
	if closeErr != nil {
		log.Warn("tracker did not shut down cleanly", zap.Error(closeErr))
	}

	st := pipe.Stats()
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "📊 TRACKING SUMMARY\n")
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🎞️  Frames tracked:     %d\n", d.frames)
	fmt.Fprintf(os.Stderr, "🚶 Presence events:    %d\n", d.events)
	fmt.Fprintf(os.Stderr, "🗑️  Captures dropped:   %d\n", d.dropped+int(st.Discarded))
	if d.interrupted {
		fmt.Fprintf(os.Stderr, "🛑 Stopped early by interrupt.\n")
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	return nil
}

// sessionSink persists events under one tracking session.
type sessionSink struct {
	store *store.Store
	id    uuid.UUID
}

func (s *sessionSink) record(ctx context.Context, events []presence.Event) error {
	return s.store.RecordEvents(ctx, s.id, events)
}

// publishSessionKey names the session in published messages. Runs without a
// database share the "local" key.
func publishSessionKey(sess *sessionSink) string {
	if sess == nil {
		return "local"
	}
	return sess.id.String()
}

// captureSource is the device side of the driver.
type captureSource interface {
	GetCapture(ctx context.Context, timeout time.Duration) (*device.Capture, error)
}

// eventSink receives the presence events of one frame.
type eventSink func(ctx context.Context, events []presence.Event) error

// driver is the capture -> pipeline -> presence loop.
type driver struct {
	src     captureSource
	pipe    *bodytrack.Pipeline
	tracker identity.Tracker
	opts    config.DriverConfig
	sinks   []eventSink
	out     io.Writer
	log     *zap.Logger
	onFrame func()

	frames      int
	events      int
	dropped     int
	interrupted bool
}

// run loops until the source is exhausted, ctx is cancelled or the engine
// fails. Cancellation is a normal way to stop and is not an error.
func (d *driver) run(ctx context.Context) error {
	err := d.loop(ctx)
	switch {
	case isCancelled(err):
		d.interrupted = true
		d.pipe.Shutdown()
		return nil
	case err != nil:
		return err
	}

	// Source exhausted: stop input and collect what is still in flight.
	d.pipe.Shutdown()
	for {
		f, err := d.pipe.Retrieve(ctx, bodytrack.Infinite)
		switch {
		case errors.Is(err, bodytrack.ErrShutdown):
			return nil
		case isCancelled(err):
			d.interrupted = true
			return nil
		case err != nil:
			return err
		}
		if err := d.handle(ctx, f); err != nil {
			return err
		}
	}
}

func (d *driver) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c, err := d.src.GetCapture(ctx, d.opts.CaptureTimeout)
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, bodytrack.ErrTimeout):
			continue
		case err != nil:
			return fmt.Errorf("get capture: %w", err)
		}

		err = d.pipe.Submit(ctx, c, d.opts.SubmitTimeout)
		c.Release()
		switch {
		case errors.Is(err, bodytrack.ErrTimeout):
			// The tracker is behind; a live sensor would drop this capture too.
			d.dropped++
			d.log.Warn("tracker queue full, dropping capture")
		case errors.Is(err, bodytrack.ErrInvalidCapture):
			d.dropped++
			d.log.Warn("skipping invalid capture", zap.Error(err))
		case err != nil:
			return err
		}

		f, err := d.pipe.Retrieve(ctx, d.opts.RetrieveTimeout)
		switch {
		case errors.Is(err, bodytrack.ErrTimeout):
			// Still being inferred; it will come out on a later Retrieve.
			continue
		case err != nil:
			return err
		}
		if err := d.handle(ctx, f); err != nil {
			return err
		}
	}
}

// handle reconciles identities for one frame, reports the changes and
// disposes the frame.
func (d *driver) handle(ctx context.Context, f *bodytrack.Frame) error {
	defer f.Dispose()

	ids, err := f.BodyIDs()
	if err != nil {
		return err
	}
	entered, exited := d.tracker.Update(identity.NewSet(ids...))
	events, err := presence.Derive(f, entered, exited)
	if err != nil {
		return err
	}

	d.frames++
	if d.onFrame != nil {
		d.onFrame()
	}
	if len(events) == 0 {
		return nil
	}

	d.events += len(events)
	for _, ev := range events {
		fmt.Fprintln(d.out, ev.String())
	}
	for _, sink := range d.sinks {
		if err := sink(ctx, events); err != nil {
			// Losing a notification must not stop tracking.
			d.log.Error("event sink failed", zap.Error(err))
		}
	}
	return nil
}

func isCancelled(err error) bool {
	return errors.Is(err, bodytrack.ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
