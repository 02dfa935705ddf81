package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/kwv/meshreg/mesh"
	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries parsed command line flags into the App.
type AppOptions struct {
	ConfigFile  string
	MovingPath  string
	TargetPath  string
	OutputPath  string
	ResultPath  string
	MetricsPath string
	HTTPAddr    string
	RunID       string
	Iterations  int // Overrides the configured iteration count when positive
	MqttMode    bool
	LogFormat   string
	Verbose     bool
}

// Runner is the behaviour the command tree drives. App implements it; tests
// substitute a recording mock.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunRegistration(ctx context.Context, mode mesh.Mode) error
	WriteDefaultConfig(path string) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, NewApp(os.Stdout, os.Stderr)); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// run builds the command tree and executes it against app.
func run(ctx context.Context, args []string, out io.Writer, app Runner) error {
	var opts AppOptions

	root := &cobra.Command{
		Use:           "meshreg",
		Short:         "Register a moving triangle mesh onto a target mesh",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)

	pf := root.PersistentFlags()
	pf.StringVar(&opts.LogFormat, "log-format", "text", "Log format: text or json")
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "Log every iteration")

	register := func(mode mesh.Mode, short string) *cobra.Command {
		cmd := &cobra.Command{
			Use:   string(mode),
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if opts.LogFormat != "text" && opts.LogFormat != "json" {
					return fmt.Errorf("unknown log format %q", opts.LogFormat)
				}
				app.ApplyOptions(opts)
				return app.RunRegistration(cmd.Context(), mode)
			},
		}
		f := cmd.Flags()
		f.StringVar(&opts.MovingPath, "moving", "", "Mesh to move (JSON)")
		f.StringVar(&opts.TargetPath, "target", "", "Mesh to register onto (JSON)")
		f.StringVar(&opts.OutputPath, "out", "", "Where to write the registered moving mesh")
		f.StringVar(&opts.ConfigFile, "config", "", "Configuration file (YAML); defaults apply when empty")
		f.StringVar(&opts.ResultPath, "result", "", "Where to write the run result (JSON)")
		f.StringVar(&opts.MetricsPath, "metrics-out", "", "Where to write Prometheus metrics after the run")
		f.StringVar(&opts.HTTPAddr, "http", "", "Serve run status and metrics on this address while running")
		f.StringVar(&opts.RunID, "run-id", "", "Run id for logs and MQTT topics (default random)")
		f.IntVar(&opts.Iterations, "iterations", 0, "Override the configured iteration count")
		f.BoolVar(&opts.MqttMode, "mqtt", false, "Publish progress to the configured MQTT broker")
		_ = cmd.MarkFlagRequired("moving")
		_ = cmd.MarkFlagRequired("target")
		_ = cmd.MarkFlagRequired("out")
		return cmd
	}

	root.AddCommand(
		register(mesh.ModeRigid, "Align with a similarity transform"),
		register(mesh.ModeNonRigid, "Deform with the viscoelastic displacement model"),
		register(mesh.ModeFastDeform, "Deform along vertex normals in a few large steps"),
	)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "init PATH",
		Short: "Write the default configuration to PATH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.WriteDefaultConfig(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", args[0])
			return nil
		},
	})
	root.AddCommand(configCmd)

	return root.ExecuteContext(ctx)
}
