package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/canopysh/canopy/pkg/gateway"
	"github.com/canopysh/canopy/pkg/inventory"
	"github.com/canopysh/canopy/pkg/logger"
	"github.com/canopysh/canopy/pkg/metrics"
	"github.com/canopysh/canopy/pkg/sshconfig"
	"github.com/canopysh/canopy/pkg/task"
)

var (
	Version = "dev" // Set at build time

	configPath string
	logFile    string
	debug      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "canopy-gateway",
		Short:   "Propagation gateway speaking the canopy wire protocol on stdin/stdout",
		Version: Version,
		Long: `canopy-gateway relays command runs to the next hops of a propagation
tree. The controller spawns it over SSH and owns both pipes, so logs
never go to stdout; use --log-file to see what a hop is doing.`,
		RunE: runGateway,
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (default: ~/.canopy/config.toml)")
	rootCmd.Flags().StringVar(&logFile, "log-file", "", "Append logs to this file instead of stderr")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Log at debug level")

	// Set version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// versionCmd returns version command
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of canopy-gateway",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("canopy-gateway version %s\n", Version)
		},
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	inv, err := inventory.New(configPath)
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	cfg := inv.Config()

	logCfg := cfg.Log
	if logFile != "" {
		logCfg.Output = logFile
		logCfg.Format = "logfmt"
		logCfg.NoColor = true
	}
	if debug {
		logCfg.Level = "debug"
	}
	logger.Apply(&logCfg)

	tk, err := buildTask(cfg)
	if err != nil {
		return err
	}

	return gateway.Serve(os.Stdin, os.Stdout, gateway.Options{
		Task:    tk,
		Log:     logger.New("gateway"),
		Metrics: metrics.NewGatewayMetrics(prometheus.DefaultRegisterer),
	})
}

// buildTask assembles the task that hosts relayed workers. Fanout and
// the gateway command arrive from the controller with each shell
// control, so only the transport settings matter here.
func buildTask(cfg *inventory.Config) (*task.Task, error) {
	sshOpts := sshconfig.Options{
		User:           cfg.SSH.User,
		Port:           cfg.SSH.Port,
		KeyPath:        cfg.SSH.KeyPath,
		KnownHostsPath: cfg.SSH.KnownHostsPath,
		StrictHostKey:  cfg.SSH.StrictHostKey,
		ConnectTimeout: seconds(cfg.Task.ConnectTimeout),
	}
	if rejected := sshOpts.ApplyStrings(cfg.SSH.Options); len(rejected) > 0 {
		logger.New("gateway").Warnw("ignoring unsupported ssh options", "options", rejected)
	}
	dialer, err := sshconfig.NewDialer(sshOpts)
	if err != nil {
		return nil, errors.Wrap(err, "ssh dialer")
	}

	tk, err := task.New(task.Options{
		Engine: cfg.Task.Engine,
		Dialer: dialer,
		Log:    logger.New("task"),
	})
	if err != nil {
		return nil, err
	}

	tk.SetInfo("fanout", cfg.Task.Fanout)
	tk.SetInfo("connect_timeout", cfg.Task.ConnectTimeout)
	tk.SetInfo("grooming_delay", cfg.Task.GroomingDelay)
	if cfg.SSH.GatewayCommand != "" {
		tk.SetInfo("gateway_command", cfg.SSH.GatewayCommand)
	}
	return tk, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
