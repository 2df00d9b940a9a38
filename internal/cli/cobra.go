package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"astroseq/internal/config"
	"astroseq/internal/device"
	"astroseq/internal/mode"
	"astroseq/internal/session"
	"astroseq/internal/simulator"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "astroseq",
		Short: "astroseq sequences astrophotography capture sessions",
		Long: `astroseq drives a camera and mount through goto, plate solving, mount
calibration and dark-library creation, and keeps a journal of every run.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return root.prepare()
		},
	}
	rootCmd.PersistentFlags().StringVar(&root.configPath, "config", "", "config file (default $ASTROSEQ_CONFIG or ~/.config/astroseq/config.json)")
	rootCmd.SetOut(root.out)

	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newSimulateCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newCalibrationCmd(root))
	rootCmd.AddCommand(newDarksCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newHealthCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))
	return rootCmd
}

// Execute runs the command line and releases resources afterwards.
func Execute(ctx context.Context, root *Root, args []string) error {
	cmd := NewRootCmd(root)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if cerr := root.Close(); err == nil {
		err = cerr
	}
	return err
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		simulate bool
		httpAddr string
		grpcAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session host with the HTTP API and gRPC health service",
		Long: `Run the session host in wall-clock time. Modes are started over the HTTP
API; events stream over /stream (SSE) and /ws (websocket).

Examples:
  astroseq serve --simulate --http :8080
  astroseq serve --simulate --http :8080 --grpc :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("simulate") {
				simulate = root.cfg.Session.Simulate
			}
			if cmd.Flags().Changed("http") {
				root.cfg.Session.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("grpc") {
				root.cfg.Session.GRPCAddr = grpcAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			root.log.Info("starting session",
				"http", root.cfg.Session.HTTPAddr,
				"grpc", root.cfg.Session.GRPCAddr,
				"simulate", simulate,
				"frames_dir", root.cfg.Paths.FramesDir,
			)
			return root.serveFn(ctx, root, simulate)
		},
	}

	cmd.Flags().BoolVar(&simulate, "simulate", false, "run against the built-in simulator")
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "gRPC health listen address")
	return cmd
}

func newSimulateCmd(root *Root) *cobra.Command {
	var (
		maxTicks  int
		raErr     float64
		decErr    float64
		noCooler  bool
		failSolve bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a mode against the simulator in virtual time",
		Long: `Run a mode against the built-in simulator. Time is virtual: the run
finishes as fast as the host can tick.`,
	}
	cmd.PersistentFlags().IntVar(&maxTicks, "max-ticks", 100000, "give up after this many ticks")
	cmd.PersistentFlags().Float64Var(&raErr, "pointing-error-ra", 0.01, "initial RA pointing error in hours")
	cmd.PersistentFlags().Float64Var(&decErr, "pointing-error-dec", -0.2, "initial Dec pointing error in degrees")
	cmd.PersistentFlags().BoolVar(&noCooler, "no-cooler", false, "simulate an uncooled camera")
	cmd.PersistentFlags().BoolVar(&failSolve, "fail-solve", false, "make every plate solve fail")

	tweak := func(o *simulator.Options) {
		o.PointingError = device.EqCoord{RA: raErr, Dec: decErr}
		o.HasCooler = !noCooler
		o.FailSolve = failSolve
	}
	run := func(cmd *cobra.Command, req session.Request) error {
		return root.simulate(cmd.Context(), req, tweak, maxTicks)
	}

	var ra, dec float64
	gotoCmd := &cobra.Command{
		Use:   "goto",
		Short: "Slew to a target and refine the pointing with plate solves",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, session.Request{Type: mode.TypeGoto, Target: &device.EqCoord{RA: ra, Dec: dec}})
		},
	}
	gotoCmd.Flags().Float64Var(&ra, "ra", 0, "target right ascension in hours")
	gotoCmd.Flags().Float64Var(&dec, "dec", 0, "target declination in degrees")

	solveCmd := &cobra.Command{
		Use:   "platesolve",
		Short: "Capture a frame and sync the mount to its solution",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, session.Request{Type: mode.TypeCapturePlatesolve})
		},
	}

	var then string
	calibrCmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Measure how guide pulses move the star field",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := session.Request{Type: mode.TypeMountCalibr}
			if then != "" {
				req.Then = &session.Request{Type: mode.Type(then)}
			}
			return run(cmd, req)
		},
	}
	calibrCmd.Flags().StringVar(&then, "then", "", "mode to run after calibration (e.g. capture_platesolve)")

	var programFile string
	darksCmd := &cobra.Command{
		Use:   "darks",
		Short: "Capture the dark-library program",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := session.Request{Type: mode.TypeDarkCreation}
			if programFile != "" {
				items, err := config.LoadDarkProgram(programFile)
				if err != nil {
					return err
				}
				req.Program = items
			}
			return run(cmd, req)
		},
	}
	darksCmd.Flags().StringVar(&programFile, "program", "", "YAML program file (default: generated from config)")

	cmd.AddCommand(gotoCmd, solveCmd, calibrCmd, darksCmd)
	return cmd
}

// simulate runs one request to completion in virtual time and prints the
// events it produced.
func (r *Root) simulate(ctx context.Context, req session.Request, tweak func(*simulator.Options), maxTicks int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rig, err := r.newSimRig(tweak, false)
	if err != nil {
		return err
	}

	events, _ := rig.host.Subscribe()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range events {
			detail := ev.Text
			if ev.Error != "" {
				detail = ev.Error
			}
			r.printf("%-16s %-20s %s\n", ev.Type, ev.Mode, detail)
		}
	}()

	if err := rig.host.Submit(req, false); err != nil {
		rig.host.Close()
		<-printed
		return err
	}
	ticks, runErr := rig.host.RunVirtual(ctx, rig.sim.Step, rig.sim.Frames(), maxTicks)
	status := rig.host.Status()
	rig.host.Close()
	<-printed

	r.printf("\n%d ticks, %.0fs simulated\n", ticks, rig.host.Rate().Seconds(ticks))
	if status.Calibration != nil {
		c := status.Calibration
		r.printf("calibration: ra=(%.3f, %.3f) dec=(%.3f, %.3f) px/s\n", c.MoveRAX, c.MoveRAY, c.MoveDecX, c.MoveDecY)
	}
	if req.Target != nil {
		p := rig.sim.TruePointing()
		r.printf("target ra=%.4fh dec=%.4f°, pointing ra=%.4fh dec=%.4f°\n", req.Target.RA, req.Target.Dec, p.RA, p.Dec)
	}
	if errors.Is(runErr, session.ErrStillRunning) {
		return fmt.Errorf("%s did not finish within %d ticks", req.Type, maxTicks)
	}
	return runErr
}
