// Package main provides the scheduled Lambda entry point for the channel relay.
//
// An EventBridge schedule invokes the function (typically hourly, with a
// LOOKBACK slightly longer than the interval). Each invocation runs one
// relay pass. Configuration is read from the environment at cold start;
// tokens may be given as SSM parameter paths instead of values.
//
// The invocation fails only when the run could not complete (source connect
// failure, panic, timeout). Individual delivery failures are alerted and
// counted but do not fail the invocation, so the schedule does not retry a
// run that already delivered most of its records.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/fpang/channel-relay/internal/alert"
	"github.com/fpang/channel-relay/internal/config"
	"github.com/fpang/channel-relay/internal/lambdaboot"
	"github.com/fpang/channel-relay/internal/logging"
)

var runner *lambdaboot.Runner

func init() {
	initStart := time.Now()
	logging.Init()
	ctx := context.Background()

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		lambdaboot.FallbackAlerter(os.Getenv).Alert(ctx, fmt.Sprintf("Relay Lambda configuration error: %v", err), alert.SeverityCritical)
		log.Fatal().Err(err).Msg("Invalid relay configuration")
	}

	clients, err := lambdaboot.InitAWS(ctx)
	if err != nil {
		lambdaboot.FallbackAlerter(os.Getenv).Alert(ctx, fmt.Sprintf("Relay Lambda start-up error: %v", err), alert.SeverityCritical)
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}

	runner, err = lambdaboot.BuildRunner(ctx, clients, cfg, os.Stdout)
	if err != nil {
		lambdaboot.NewAlerter(clients.Config, cfg).Alert(ctx, fmt.Sprintf("Relay Lambda start-up error: %v", err), alert.SeverityCritical)
		log.Fatal().Err(err).Msg("Failed to wire relay")
	}

	lambdaboot.StartupLog("relay-lambda", cfg, initStart).CommitHash(commitHash).Log()
}

func handler(ctx context.Context, event events.CloudWatchEvent) error {
	log.Info().
		Str("eventId", event.ID).
		Str("source", event.Source).
		Time("scheduledAt", event.Time).
		Msg("Scheduled relay invocation")

	sum, err := runner.Run(ctx)
	if err != nil {
		log.Error().Err(err).Str("runId", sum.RunID).Msg("Relay run failed")
		return err
	}
	return nil
}

func main() {
	lambda.Start(handler)
}
