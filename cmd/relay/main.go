// Command relay runs one channel relay pass from a terminal or cron job.
//
//	relay run --env-file .env
//	relay run --lookback 3h --max-messages 100
//	relay targets
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/channel-relay/internal/alert"
	"github.com/fpang/channel-relay/internal/cli"
	"github.com/fpang/channel-relay/internal/config"
	"github.com/fpang/channel-relay/internal/lambdaboot"
	"github.com/fpang/channel-relay/internal/logging"
	"github.com/fpang/channel-relay/internal/target"
)

// CLI flags
var (
	envFileFlag     string
	targetsFlag     string
	lookbackFlag    string
	maxMessagesFlag int
	emitMetricsFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay recent channel posts to an automation webhook",
	Long: `Relay scans the configured source channels for posts published within the
lookback window, uploads their media to object storage, skips anything already
delivered, and forwards one record per post to the delivery webhook.

Configuration comes from environment variables, optionally loaded from a
.env file first. Flags override the matching variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadEnvFile()
		logging.Init()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one relay pass",
	RunE:  runRelay,
}

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "Print the resolved channel to category mapping",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw := getenv("TARGET_CHANNELS")
		targets := target.Resolve(raw)
		if len(targets) == 0 {
			return fmt.Errorf("TARGET_CHANNELS resolves to no channels (%q)", raw)
		}
		return cli.PrintTargets(cmd.OutOrStdout(), targets)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFileFlag, "env-file", "", "Load environment variables from this file (default: .env if present)")
	rootCmd.PersistentFlags().StringVar(&targetsFlag, "targets", "", "Override TARGET_CHANNELS (e.g. '100:BrandA,200')")
	runCmd.Flags().StringVar(&lookbackFlag, "lookback", "", "Override LOOKBACK (e.g. 65m, 3h, or hours as a number)")
	runCmd.Flags().IntVar(&maxMessagesFlag, "max-messages", 0, "Override MAX_MESSAGES")
	runCmd.Flags().BoolVar(&emitMetricsFlag, "metrics", false, "Write EMF run metrics to stdout")
	rootCmd.AddCommand(runCmd, targetsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Relay failed")
		os.Exit(1)
	}
}

// loadEnvFile loads --env-file, or .env when present. Variables already in
// the environment are not overwritten.
func loadEnvFile() {
	if envFileFlag != "" {
		if err := godotenv.Load(envFileFlag); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load env file %s: %v\n", envFileFlag, err)
			os.Exit(1)
		}
		return
	}
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}
}

// getenv applies flag overrides on top of the process environment.
func getenv(key string) string {
	switch key {
	case "TARGET_CHANNELS":
		if targetsFlag != "" {
			return targetsFlag
		}
	case "LOOKBACK":
		if lookbackFlag != "" {
			return lookbackFlag
		}
	case "MAX_MESSAGES":
		if maxMessagesFlag > 0 {
			return strconv.Itoa(maxMessagesFlag)
		}
	}
	return os.Getenv(key)
}

func runRelay(cmd *cobra.Command, args []string) error {
	initStart := time.Now()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(getenv)
	if err != nil {
		lambdaboot.FallbackAlerter(getenv).Alert(ctx, fmt.Sprintf("Relay configuration error: %v", err), alert.SeverityCritical)
		return err
	}

	clients, err := lambdaboot.InitAWS(ctx)
	if err != nil {
		lambdaboot.FallbackAlerter(getenv).Alert(ctx, fmt.Sprintf("Relay start-up error: %v", err), alert.SeverityCritical)
		return err
	}

	var metricsOut io.Writer
	if emitMetricsFlag {
		metricsOut = os.Stdout
	}
	runner, err := lambdaboot.BuildRunner(ctx, clients, cfg, metricsOut)
	if err != nil {
		lambdaboot.NewAlerter(clients.Config, cfg).Alert(ctx, fmt.Sprintf("Relay start-up error: %v", err), alert.SeverityCritical)
		return err
	}
	defer runner.Close()

	lambdaboot.StartupLog("relay", cfg, initStart).CommitHash(commitHash).Log()

	sum, err := runner.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn().Msg("Relay run interrupted")
		}
		return err
	}
	cli.PrintSummary(cmd.OutOrStdout(), sum)
	return nil
}
