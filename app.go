package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kwv/meshreg/mesh"
)

// App encapsulates the application state and dependencies
type App struct {
	Config   *mesh.Config
	Logger   *slog.Logger
	Metrics  *mesh.MetricsObserver
	Tracker  *mesh.ProgressTracker
	Opts     AppOptions
	out      io.Writer
	logOut   io.Writer
	listener net.Listener // Set by serveStatus
}

// NewApp creates an App writing reports to out and logs to logOut.
func NewApp(out, logOut io.Writer) *App {
	return &App{
		out:     out,
		logOut:  logOut,
		Tracker: mesh.NewProgressTracker(),
		Logger:  slog.New(slog.NewTextHandler(logOut, nil)),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.Opts = opts
	a.Logger = newLogger(a.logOut, opts.LogFormat, opts.Verbose)
}

func newLogger(w io.Writer, format string, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// WriteDefaultConfig saves the default configuration to path.
func (a *App) WriteDefaultConfig(path string) error {
	return mesh.SaveConfig(path, mesh.DefaultConfig())
}

// loadConfig loads the configured file or falls back to the defaults, then
// applies the iteration override.
func (a *App) loadConfig() (*mesh.Config, error) {
	cfg := mesh.DefaultConfig()
	if a.Opts.ConfigFile != "" {
		var err error
		if cfg, err = mesh.LoadConfig(a.Opts.ConfigFile); err != nil {
			return nil, err
		}
	}
	if n := a.Opts.Iterations; n > 0 {
		cfg.Rigid.MaxIterations = n
		cfg.NonRigid.Iterations = n
		cfg.FastDeform.Iterations = n
	}
	return cfg, cfg.Validate()
}

// RunRegistration loads both meshes, registers them with mode and writes the
// moved mesh plus the optional result, metrics and MQTT progress.
func (a *App) RunRegistration(ctx context.Context, mode mesh.Mode) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.Config = cfg

	moving, err := mesh.LoadMesh(a.Opts.MovingPath)
	if err != nil {
		return fmt.Errorf("loading moving mesh: %w", err)
	}
	target, err := mesh.LoadMesh(a.Opts.TargetPath)
	if err != nil {
		return fmt.Errorf("loading target mesh: %w", err)
	}
	a.Logger.Info("loaded meshes",
		slog.Int("moving_vertices", moving.Len()),
		slog.Int("moving_faces", len(moving.Faces)),
		slog.Int("target_vertices", target.Len()))

	runID := a.Opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	opts := []mesh.Option{
		mesh.WithLogger(a.Logger),
		mesh.WithRunID(runID),
		mesh.WithObserver(a.Tracker),
	}

	if a.Opts.MetricsPath != "" || a.Opts.HTTPAddr != "" {
		a.Metrics = mesh.NewMetricsObserver()
		opts = append(opts, mesh.WithObserver(a.Metrics))
	}

	if a.Opts.HTTPAddr != "" {
		shutdown, err := a.serveStatus(a.Opts.HTTPAddr)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	if a.Opts.MqttMode {
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		client, err := mesh.ConnectMQTT(connectCtx, cfg.MQTT, a.Logger)
		cancel()
		if err != nil {
			return err
		}
		if client == nil {
			a.Logger.Warn("--mqtt given but no broker configured; progress will not be published")
		} else {
			defer mesh.DisconnectMQTT(client)
			pub := mesh.NewProgressPublisher(client, cfg.MQTT.PublishPrefix, a.Logger)
			opts = append(opts, mesh.WithObserver(pub))
			watched, stop, err := pub.WatchCancel(ctx, runID)
			if err != nil {
				return err
			}
			defer stop()
			ctx = watched
		}
	}

	res, err := a.register(ctx, mode, moving, target, cfg, opts)
	if err != nil {
		return err
	}
	res.MovingPath = a.Opts.MovingPath
	res.TargetPath = a.Opts.TargetPath

	if err := mesh.SaveMesh(a.Opts.OutputPath, moving); err != nil {
		return err
	}
	if a.Opts.ResultPath != "" {
		if err := mesh.SaveResult(a.Opts.ResultPath, res); err != nil {
			return err
		}
	}
	if a.Opts.MetricsPath != "" {
		if err := a.Metrics.WriteTextfile(a.Opts.MetricsPath); err != nil {
			return err
		}
	}

	a.report(res)
	return nil
}

func (a *App) register(ctx context.Context, mode mesh.Mode, moving, target *mesh.Mesh, cfg *mesh.Config, opts []mesh.Option) (*mesh.ResultData, error) {
	switch mode {
	case mesh.ModeRigid:
		r, err := mesh.RegisterRigid(ctx, moving, target, cfg.Rigid, opts...)
		if err != nil {
			return nil, err
		}
		return mesh.RigidResultData(r), nil
	case mesh.ModeNonRigid:
		r, err := mesh.RegisterNonRigid(ctx, moving, target, cfg.NonRigid, opts...)
		if err != nil {
			return nil, err
		}
		return mesh.DeformResultData(mode, r), nil
	case mesh.ModeFastDeform:
		r, err := mesh.RegisterFastDeform(ctx, moving, target, cfg.FastDeform, opts...)
		if err != nil {
			return nil, err
		}
		return mesh.DeformResultData(mode, r), nil
	default:
		return nil, fmt.Errorf("unknown registration mode %q", mode)
	}
}

func (a *App) report(res *mesh.ResultData) {
	fmt.Fprintf(a.out, "Run %s (%s): %d iterations", res.RunID, res.Mode, res.Iterations)
	if res.Mode == mesh.ModeRigid {
		fmt.Fprintf(a.out, ", converged=%v\n", res.Converged)
		t := *res.Transform
		tr := t.Translation()
		fmt.Fprintf(a.out, "  scale:       %.6f\n", t.Scale())
		fmt.Fprintf(a.out, "  translation: (%.6f, %.6f, %.6f)\n", tr[0], tr[1], tr[2])
	} else {
		fmt.Fprintf(a.out, ", max displacement %.6f\n", res.Displacement.MaxNorm())
	}
	fmt.Fprintf(a.out, "  mean inlier weight: %.4f\n", res.MeanInlierWeight)
	fmt.Fprintf(a.out, "  moved mesh written to %s\n", a.Opts.OutputPath)
}

// serveStatus starts the status HTTP server and returns its shutdown func.
func (a *App) serveStatus(addr string) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	a.listener = ln
	srv := &http.Server{
		Handler:           newHTTPServer(a.Tracker, a.Metrics, a.Logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("status server stopped", slog.Any("error", err))
		}
	}()
	a.Logger.Info("serving run status", slog.String("addr", ln.Addr().String()))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
