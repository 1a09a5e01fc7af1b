// Package lambdaboot wires a relay run from configuration: AWS clients, SSM
// secrets, the object store, the dedup store, alert sinks, and the source.
//
// Both entry points (the CLI and the scheduled Lambda) build their runner
// through BuildRunner so the two deployments cannot drift apart.
package lambdaboot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/channel-relay/internal/alert"
	"github.com/fpang/channel-relay/internal/assemble"
	"github.com/fpang/channel-relay/internal/config"
	"github.com/fpang/channel-relay/internal/dedup"
	"github.com/fpang/channel-relay/internal/delivery"
	"github.com/fpang/channel-relay/internal/journal"
	"github.com/fpang/channel-relay/internal/logging"
	"github.com/fpang/channel-relay/internal/media"
	"github.com/fpang/channel-relay/internal/pipeline"
	"github.com/fpang/channel-relay/internal/retry"
	"github.com/fpang/channel-relay/internal/source"
	"github.com/fpang/channel-relay/internal/source/telegram"
	"github.com/fpang/channel-relay/internal/storage"
)

// AWSClients holds the loaded AWS config and the SSM client.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// InitAWS loads the default AWS config chain.
func InitAWS(ctx context.Context) (AWSClients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return AWSClients{}, fmt.Errorf("load AWS config: %w", err)
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{Config: cfg, SSM: ssm.NewFromConfig(cfg)}, nil
}

// SSMAPI is the subset of the SSM client used for secrets.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadSecret reads a SecureString parameter.
func LoadSecret(ctx context.Context, client SSMAPI, name string) (string, error) {
	start := time.Now()
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("read SSM parameter %s: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil || *out.Parameter.Value == "" {
		return "", fmt.Errorf("SSM parameter %s is empty", name)
	}
	log.Debug().Str("param", name).Dur("elapsed", time.Since(start)).Msg("Secret loaded from SSM")
	return *out.Parameter.Value, nil
}

// ResolveSecrets fills tokens that were given as SSM parameter paths.
// Values already set in the environment win.
func ResolveSecrets(ctx context.Context, client SSMAPI, cfg *config.Config) error {
	if cfg.TelegramToken == "" && cfg.TelegramTokenParam != "" {
		v, err := LoadSecret(ctx, client, cfg.TelegramTokenParam)
		if err != nil {
			return err
		}
		cfg.TelegramToken = v
	}
	if cfg.WebhookToken == "" && cfg.WebhookTokenParam != "" {
		v, err := LoadSecret(ctx, client, cfg.WebhookTokenParam)
		if err != nil {
			return err
		}
		cfg.WebhookToken = v
	}
	return nil
}

// NewObjectStore builds the S3 store. A custom MEDIA_ENDPOINT switches to
// path-style addressing and only sends checksums when required, which is
// what S3-compatible services such as Supabase Storage expect.
func NewObjectStore(awsCfg aws.Config, cfg *config.Config) *storage.S3Store {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.MediaEndpoint == "" {
			return
		}
		o.BaseEndpoint = aws.String(cfg.MediaEndpoint)
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return storage.NewS3Store(client, cfg.MediaBucket, awsCfg.Region, cfg.MediaPublicBaseURL)
}

// NewDedupStore selects the dedup backend. The returned closer releases the
// store and is never nil.
func NewDedupStore(awsCfg aws.Config, cfg *config.Config) (dedup.Store, io.Closer, error) {
	switch cfg.DedupBackend() {
	case "dynamodb":
		return dedup.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.DedupTable, cfg.DedupTTL), nopCloser{}, nil
	case "sqlite":
		st, err := dedup.NewSQLiteStore(cfg.DedupSQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	default:
		log.Warn().Msg("No dedup store configured; every run relays the whole lookback window")
		return dedup.NopStore{}, nopCloser{}, nil
	}
}

// NewJournalStore selects where the Telegram source keeps received posts.
// It follows the dedup backend: the same DynamoDB table or SQLite file.
// Without one, posts live only as long as the process.
func NewJournalStore(awsCfg aws.Config, cfg *config.Config) (journal.Store, io.Closer, error) {
	switch cfg.DedupBackend() {
	case "dynamodb":
		return journal.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.DedupTable, cfg.JournalRetention), nopCloser{}, nil
	case "sqlite":
		st, err := journal.NewSQLiteStore(cfg.DedupSQLitePath, cfg.JournalRetention)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	default:
		log.Warn().Msg("No journal store configured; posts that fail delivery are not rescanned by later runs")
		return journal.NewMemoryStore(cfg.JournalRetention), nopCloser{}, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewAlerter combines the configured alert sinks. With none configured,
// alerts are only logged by their callers.
func NewAlerter(awsCfg aws.Config, cfg *config.Config) alert.Emitter {
	var emitters []alert.Emitter
	if cfg.AlertWebhookURL != "" {
		emitters = append(emitters, alert.NewWebhook(cfg.AlertWebhookURL, cfg.AlertWebhookToken, cfg.Location))
	}
	if cfg.AlertEventBus != "" {
		emitters = append(emitters, alert.NewEventBridge(eventbridge.NewFromConfig(awsCfg), cfg.AlertEventBus, cfg.Location))
	}
	return alert.Combine(emitters...)
}

// FallbackAlerter builds an alert sink straight from the environment for
// failures that happen before configuration is valid. The delivery token is
// never sent to the alert endpoint.
func FallbackAlerter(getenv func(string) string) alert.Emitter {
	url := getenv("ALERT_WEBHOOK_URL")
	if url == "" {
		return alert.Nop{}
	}
	return alert.NewWebhook(url, getenv("ALERT_WEBHOOK_TOKEN"), time.UTC)
}

// NewSource builds the Telegram source on top of store.
func NewSource(cfg *config.Config, store journal.Store) source.Source {
	return telegram.New(cfg.TelegramToken, cfg.TelegramEndpoint, store)
}

// Runner is a wired pipeline runner plus the resources it holds.
type Runner struct {
	*pipeline.Runner
	Alerter alert.Emitter
	closers []io.Closer
}

// Close releases stores opened for the runner.
func (r *Runner) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// BuildRunner resolves secrets and wires every run collaborator from cfg.
// metricsOut receives EMF run metrics; nil disables them.
func BuildRunner(ctx context.Context, clients AWSClients, cfg *config.Config, metricsOut io.Writer) (*Runner, error) {
	if err := ResolveSecrets(ctx, clients.SSM, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, closer, err := NewDedupStore(clients.Config, cfg)
	if err != nil {
		return nil, fmt.Errorf("open dedup store: %w", err)
	}
	posts, postsCloser, err := NewJournalStore(clients.Config, cfg)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("open journal store: %w", err)
	}
	closers := []io.Closer{closer, postsCloser}
	cache := dedup.NewCache(store)
	alerter := NewAlerter(clients.Config, cfg)

	runner, err := pipeline.New(pipeline.RunContext{
		Targets:   cfg.Targets,
		Source:    NewSource(cfg, posts),
		Dedup:     cache,
		Uploader:  media.NewUploader(NewObjectStore(clients.Config, cfg), retry.NewFixed(cfg.UploadAttempts, cfg.UploadBackoff)),
		Assembler: assemble.New(cfg.Location),
		Dispatcher: delivery.New(delivery.Options{
			Endpoint: cfg.WebhookURL,
			Token:    cfg.WebhookToken,
			Timeout:  cfg.WebhookTimeout,
			Delay:    cfg.WebhookDelay,
			Gzip:     cfg.WebhookGzip,
		}, alerter, cache),
		Alerter:       alerter,
		Lookback:      cfg.Lookback,
		MaxMessages:   cfg.MaxMessages,
		AlbumWindow:   cfg.AlbumWindow,
		WorkDir:       cfg.WorkDir,
		ConnectPolicy: retry.NewFixed(cfg.ConnectAttempts, pipeline.DefaultConnectBackoff),
		Metrics:       metricsOut,
	})
	if err != nil {
		for _, c := range closers {
			c.Close()
		}
		return nil, err
	}
	return &Runner{Runner: runner, Alerter: alerter, closers: closers}, nil
}

// StartupLog describes the wired configuration. Secrets are not logged.
func StartupLog(name string, cfg *config.Config, initStart time.Time) *logging.StartupLogger {
	dedupTarget := cfg.DedupTable
	if dedupTarget == "" {
		dedupTarget = cfg.DedupSQLitePath
	}
	return logging.NewStartupLogger(name).
		Bucket("media", cfg.MediaBucket).
		Table("dedup:"+cfg.DedupBackend(), dedupTarget).
		SSMParam("telegramToken", cfg.TelegramTokenParam).
		SSMParam("webhookToken", cfg.WebhookTokenParam).
		Endpoint("webhook", cfg.WebhookURL).
		Endpoint("alertWebhook", cfg.AlertWebhookURL).
		Endpoint("mediaEndpoint", cfg.MediaEndpoint).
		Feature("gzip", cfg.WebhookGzip).
		Feature("alertWebhookAuth", cfg.AlertWebhookToken != "").
		Feature("eventBridgeAlerts", cfg.AlertEventBus != "").
		Config("targets", fmt.Sprint(len(cfg.Targets))+" channel(s)").
		Config("lookback", cfg.Lookback.String()).
		Config("maxMessages", fmt.Sprint(cfg.MaxMessages)).
		Config("journalRetention", cfg.JournalRetention.String()).
		Config("timezone", cfg.Location.String()).
		InitDuration(time.Since(initStart))
}
