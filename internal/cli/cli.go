package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"astroseq/internal/config"
	"astroseq/internal/frames"
	"astroseq/internal/logging"
	"astroseq/internal/server"
	"astroseq/internal/session"
	"astroseq/internal/simulator"
	"astroseq/internal/storage"
	"astroseq/internal/timing"
)

// Version is stamped at build time.
var Version = "0.1.0-dev"

// ErrNoDeviceBackend is returned by serve when the simulator is disabled;
// it is the only device backend built in.
var ErrNoDeviceBackend = errors.New("no device backend: enable session.simulate")

type serverFunc func(ctx context.Context, r *Root, simulate bool) error

// Root carries what every command needs. Fields left nil are filled from
// the configuration before the command runs.
type Root struct {
	cfg        *config.Config
	log        *slog.Logger
	store      *storage.Store
	configPath string
	out        io.Writer
	serveFn    serverFunc
	closers    []func() error
}

// NewRoot creates the CLI root. cfg, log and store may be nil; they are then
// loaded from the config file when a command runs.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		cfg:     cfg,
		log:     logger,
		store:   store,
		out:     os.Stdout,
		serveFn: defaultServe,
	}
}

// prepare loads configuration, logging and storage on first use.
func (r *Root) prepare() error {
	if r.cfg == nil {
		var (
			cfg *config.Config
			err error
		)
		if r.configPath != "" {
			cfg, err = config.LoadFile(r.configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		r.cfg = cfg
	}
	if r.log == nil {
		log, err := logging.Setup(r.cfg)
		if err != nil {
			return fmt.Errorf("setup logging: %w", err)
		}
		r.log = log
	}
	if r.store == nil && r.cfg.Paths.DatabasePath != "" {
		if err := os.MkdirAll(filepath.Dir(r.cfg.Paths.DatabasePath), 0o755); err != nil {
			return fmt.Errorf("create database dir: %w", err)
		}
		store, err := storage.New(r.cfg.Paths.DatabasePath)
		if err != nil {
			r.log.Warn("run journal unavailable", "path", r.cfg.Paths.DatabasePath, "error", err)
		} else {
			r.store = store
			r.closers = append(r.closers, store.Close)
		}
	}
	return nil
}

// Close releases what prepare opened.
func (r *Root) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	r.closers = nil
	return errors.Join(errs...)
}

func (r *Root) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

// simRig is a session host wired to the built-in simulator.
type simRig struct {
	sim  *simulator.Sim
	host *session.Host
}

// newSimRig builds a simulator and a host on it. stepInLoop makes the host
// step the simulator on every wall-clock tick; virtual runs step it
// themselves.
func (r *Root) newSimRig(tweak func(*simulator.Options), stepInLoop bool) (*simRig, error) {
	opts := simulator.DefaultOptions()
	opts.Camera = r.cfg.Session.Camera
	opts.Mount = r.cfg.Session.Mount
	opts.Rate = timing.Rate(r.cfg.Session.TicksPerSecond)
	opts.Log = r.log
	if tweak != nil {
		tweak(&opts)
	}
	sim := simulator.New(opts)

	lib, err := session.NewManifestLibrary(r.cfg.Darks.LibraryDir, r.log)
	if err != nil {
		return nil, err
	}
	hopts := session.Options{
		Config:  r.cfg,
		Client:  sim,
		Solver:  sim.Solver(),
		Library: lib,
		Store:   r.store,
		Log:     r.log,
	}
	if stepInLoop {
		hopts.Step = sim.Step
	}
	host, err := session.New(hopts)
	if err != nil {
		return nil, err
	}
	return &simRig{sim: sim, host: host}, nil
}

// defaultServe runs the host with the HTTP API, the gRPC health service and
// the frames watcher until ctx is cancelled or one of them fails.
func defaultServe(ctx context.Context, r *Root, simulate bool) error {
	if !simulate {
		return ErrNoDeviceBackend
	}
	rig, err := r.newSimRig(nil, true)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	frameSrc := make(chan *frames.Result, 16)

	g.Go(func() error {
		forwardSimFrames(ctx, rig.sim.Frames(), frameSrc)
		return nil
	})

	if dir := r.cfg.Paths.FramesDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create frames dir: %w", err)
		}
		watcher, err := frames.NewWatcher([]string{dir}, r.log)
		if err != nil {
			return fmt.Errorf("frames watcher: %w", err)
		}
		if err := watcher.Start(); err != nil {
			watcher.Stop()
			return fmt.Errorf("frames watcher: %w", err)
		}
		g.Go(func() error {
			<-ctx.Done()
			return watcher.Stop()
		})
		g.Go(func() error {
			for res := range watcher.Results {
				select {
				case frameSrc <- res:
				case <-ctx.Done():
					return nil
				}
			}
			return nil
		})
	}

	g.Go(func() error { return rig.host.Run(ctx, frameSrc) })

	if addr := r.cfg.Session.HTTPAddr; addr != "" {
		srv := server.NewServer(addr, rig.host, r.store, r.cfg.Session.Mount, r.log)
		g.Go(func() error { return srv.Start(ctx) })
	}

	if addr := r.cfg.Session.GRPCAddr; addr != "" {
		health := server.NewHealth(addr, r.log)
		events, unsubscribe := rig.host.Subscribe()
		g.Go(func() error {
			defer unsubscribe()
			health.Watch(ctx, events)
			return nil
		})
		g.Go(func() error { return health.Start(ctx) })
	}

	return g.Wait()
}

func forwardSimFrames(ctx context.Context, in <-chan frames.Result, out chan<- *frames.Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-in:
			select {
			case out <- &res:
			case <-ctx.Done():
				return
			}
		}
	}
}
