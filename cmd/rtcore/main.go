package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	// Registers the demo worker class under "example.Echo" so the
	// worker subcommand has something to instantiate out of the box.
	_ "github.com/relaydb/rtcore/examples/echoworker"
	"github.com/relaydb/rtcore/pkg/rtcore"
	"github.com/relaydb/rtcore/pkg/rtcore/workerrt"
)

var rootCmd = &cobra.Command{
	Use:     "rtcore",
	Short:   "rtcore - runtime coordination core for a worker-process backed server",
	Version: "0.1.0",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the server: signal controller, worker pool manager, and HA watcher",
	RunE:  runServe,
}

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run as a worker subprocess, re-exec'd by the pool manager (internal)",
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)

	serveCmd.Flags().String("config", "", "path to a config file (defaults to config.yaml searched in ., ./config and /etc/rtcore)")

	workerCmd.Flags().String("class-name", "", "registered worker class to instantiate")
	workerCmd.Flags().String("sockname", "", "unix socket path of the hub to connect to")
	workerCmd.Flags().String("class-args", "", "opaque argument blob passed to the worker class factory")
	_ = workerCmd.MarkFlagRequired("class-name")
	_ = workerCmd.MarkFlagRequired("sockname")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := rtcore.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("serve: resolving own executable path: %w", err)
	}

	rt, err := rtcore.NewRuntime(cfg, self)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	ctx := cmd.Context()
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	return rt.Run(ctx)
}

func runWorker(cmd *cobra.Command, args []string) error {
	className, _ := cmd.Flags().GetString("class-name")
	sockname, _ := cmd.Flags().GetString("sockname")
	classArgs, _ := cmd.Flags().GetString("class-args")

	return workerrt.Run(context.Background(), className, []byte(classArgs), sockname, nil)
}
