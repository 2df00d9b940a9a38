package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gopkg.in/yaml.v3"

	"astroseq/internal/config"
	"astroseq/internal/logging"
	"astroseq/internal/platesolve"
	"astroseq/internal/server"
	"astroseq/internal/session"
	"astroseq/internal/storage"
)

func newRunsCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent mode runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return storage.ErrNotInitialized
			}
			recs, err := root.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(root.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tMODE\tSTATUS\tSTARTED\tDURATION\tNEXT\tERROR")
			for _, rec := range recs {
				dur := "-"
				if rec.CompletedAt != nil {
					dur = rec.CompletedAt.Sub(rec.CreatedAt).Round(time.Second).String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					rec.ID, rec.ModeType, rec.Status, rec.CreatedAt.Local().Format(time.DateTime),
					dur, dash(rec.NextMode), dash(rec.Error))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show the journal and calibration builds of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return storage.ErrNotInitialized
			}
			events, err := root.store.RunEvents(args[0])
			if err != nil {
				return err
			}
			builds, err := root.store.RunBuilds(args[0])
			if err != nil {
				return err
			}
			if len(events) == 0 && len(builds) == 0 {
				return fmt.Errorf("run %s not found", args[0])
			}
			for _, ev := range events {
				root.printf("%s  %-16s %s\n", ev.CreatedAt.Local().Format(time.TimeOnly), ev.EventType, ev.Detail)
			}
			if len(builds) > 0 {
				root.printf("\nCalibration files:\n")
			}
			for _, b := range builds {
				out := b.OutputPath
				if b.Error != "" {
					out = "error: " + b.Error
				}
				root.printf("  #%d %s %gs gain %d (%d frames) %s: %s\n", b.Item, b.Kind, b.ExposureSec, b.Gain, len(b.Files), b.Status, dash(out))
			}
			return nil
		},
	}
	cmd.AddCommand(showCmd)
	return cmd
}

func newCalibrationCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "calibration",
		Short: "Show the latest mount calibration",
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := root.store.LatestCalibration(root.cfg.Session.Mount)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("mount %q has not been calibrated", root.cfg.Session.Mount)
			}
			if err != nil {
				return err
			}
			root.printf("Mount:      %s\n", rec.Mount)
			root.printf("Measured:   %s (run %s)\n", rec.CreatedAt.Local().Format(time.DateTime), rec.RunID)
			root.printf("RA axis:    %+.3f, %+.3f px/s\n", rec.MoveRAX, rec.MoveRAY)
			root.printf("Dec axis:   %+.3f, %+.3f px/s\n", rec.MoveDecX, rec.MoveDecY)
			return nil
		},
	}
}

func newDarksCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "darks",
		Short: "Inspect the dark-library program",
	}

	var out string
	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the program dark creation would run",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := session.DarkProgram(root.cfg.Darks)
			if err != nil {
				return err
			}
			if out != "" {
				data, err := yaml.Marshal(config.DarkProgram{Items: items})
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return err
				}
				root.log.Info("dark program written", "path", out, "items", len(items))
			}

			tw := tabwriter.NewWriter(root.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tKIND\tEXPOSURE\tGAIN\tOFFSET\tBIN\tTEMP\tFRAMES")
			var total float64
			for i, it := range items {
				temp := "-"
				if it.Temperature != nil {
					temp = fmt.Sprintf("%+.0f°C", *it.Temperature)
				}
				fmt.Fprintf(tw, "%d\t%s\t%gs\t%d\t%d\t%d\t%s\t%d\n", i+1, it.Kind, it.ExposureSec, it.Gain, it.Offset, it.Binning, temp, it.Frames)
				total += it.ExposureSec * float64(it.Frames)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			root.printf("\n%d items, %s of exposure\n", len(items), time.Duration(total*float64(time.Second)).String())
			return nil
		},
	}
	planCmd.Flags().StringVar(&out, "out", "", "also write the program as YAML to this file")
	cmd.AddCommand(planCmd)
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate the astroseq configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := json.MarshalIndent(root.cfg, "", "  ")
			if err != nil {
				return err
			}
			root.printf("%s\n", data)
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Validate(root.cfg); err != nil {
				return err
			}
			if root.cfg.Darks.ProgramFile != "" {
				if _, err := config.LoadDarkProgram(root.cfg.Darks.ProgramFile); err != nil {
					return err
				}
			}
			root.log.Info("configuration validation", "status", "valid")
			root.printf("configuration is valid\n")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newToolsCmd(root *Root) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Report which plate solvers are installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ps := root.cfg.PlateSolve
			root.printf("Plate solver preference: %s (fallbacks: %s)\n\n", ps.Preferred, strings.Join(ps.Fallbacks, ", "))
			for _, t := range []platesolve.Tool{platesolve.ToolASTAP, platesolve.ToolAstrometry} {
				st := platesolve.CheckTool(t)
				logging.LogToolStatus(root.log, string(t), st.Available, st.Version, st.Path, st.Error)
				mark := "missing"
				if st.Available {
					mark = "available"
				}
				root.printf("  %-12s %-10s", t, mark)
				if verbose && st.Available {
					root.printf(" %s [%s]", dash(st.Version), st.Path)
				}
				if verbose && st.Error != nil {
					root.printf(" - %v", st.Error)
				}
				root.printf("\n")
			}
			if tool, _, err := platesolve.Detect(ps.Preferred, ps.Fallbacks); err == nil {
				root.printf("\nSelected: %s\n", tool)
			} else {
				root.printf("\nSelected: none (%v)\n", err)
				root.printf("  Ubuntu/Debian: sudo apt install astrometry.net\n")
				root.printf("  ASTAP:         https://www.hnsky.org/astap.htm\n")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "show versions and paths")
	return cmd
}

func newHealthCmd(root *Root) *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the gRPC health service of a running session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Session.GRPCAddr
			}
			if strings.HasPrefix(addr, ":") {
				addr = "localhost" + addr
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			st, err := server.Probe(ctx, addr)
			if err != nil {
				return err
			}
			root.printf("%s: %s\n", addr, st)
			if st != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("session is %s", st)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "health service address (default session.grpc_addr)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "give up after this long")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			root.printf("astroseq %s (%s)\n", Version, runtime.Version())
		},
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
