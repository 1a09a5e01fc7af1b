// Package config loads relay settings from environment variables.
//
// Every setting has an env var and most have a default. Load parses and
// validates in one pass so a bad value fails the run before any network
// call is made.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fpang/channel-relay/internal/target"
)

// ErrInvalid is wrapped by every error Load returns.
var ErrInvalid = errors.New("invalid configuration")

// Defaults.
const (
	DefaultWebhookTimeout   = 15 * time.Second
	DefaultWebhookDelay     = time.Second
	DefaultDedupTTL         = 30 * 24 * time.Hour
	DefaultLookback         = 65 * time.Minute
	DefaultMaxMessages      = 50
	DefaultAlbumWindow      = 9
	DefaultUploadAttempts   = 3
	DefaultUploadBackoff    = 2 * time.Second
	DefaultConnectAttempts  = 3
	DefaultJournalRetention = 72 * time.Hour
)

// Config is the validated relay configuration. The env tag names the
// variable each field is read from and is used in validation messages.
type Config struct {
	TelegramToken      string `env:"TELEGRAM_BOT_TOKEN" validate:"required_without=TelegramTokenParam"`
	TelegramTokenParam string `env:"SSM_TELEGRAM_TOKEN_PARAM"`
	TelegramEndpoint   string `env:"TELEGRAM_API_ENDPOINT"`

	TargetChannels string                 `env:"TARGET_CHANNELS" validate:"required"`
	Targets        []target.ChannelTarget `env:"TARGET_CHANNELS" validate:"min=1"`

	WebhookURL        string        `env:"WEBHOOK_URL" validate:"required,url"`
	WebhookToken      string        `env:"WEBHOOK_TOKEN"`
	WebhookTokenParam string        `env:"SSM_WEBHOOK_TOKEN_PARAM"`
	WebhookTimeout    time.Duration `env:"WEBHOOK_TIMEOUT" validate:"gt=0s"`
	WebhookDelay      time.Duration `env:"WEBHOOK_DELAY" validate:"gte=0s"`
	WebhookGzip       bool          `env:"WEBHOOK_GZIP"`

	AlertWebhookURL   string `env:"ALERT_WEBHOOK_URL" validate:"omitempty,url"`
	AlertWebhookToken string `env:"ALERT_WEBHOOK_TOKEN"`
	AlertEventBus     string `env:"ALERT_EVENT_BUS"`

	MediaBucket        string `env:"MEDIA_BUCKET" validate:"required"`
	MediaEndpoint      string `env:"MEDIA_ENDPOINT" validate:"omitempty,url"`
	MediaPublicBaseURL string `env:"MEDIA_PUBLIC_BASE_URL" validate:"omitempty,url"`

	DedupTable      string        `env:"DEDUP_TABLE"`
	DedupSQLitePath string        `env:"DEDUP_SQLITE_PATH" validate:"excluded_with=DedupTable"`
	DedupTTL        time.Duration `env:"DEDUP_TTL" validate:"gt=0s"`

	// JournalRetention must cover the lookback window or a run could miss
	// posts it is asked to scan.
	JournalRetention time.Duration `env:"JOURNAL_RETENTION" validate:"gtefield=Lookback"`

	Lookback        time.Duration `env:"LOOKBACK" validate:"gt=0s"`
	MaxMessages     int           `env:"MAX_MESSAGES" validate:"min=1,max=1000"`
	AlbumWindow     int           `env:"ALBUM_WINDOW" validate:"min=1,max=100"`
	UploadAttempts  int           `env:"UPLOAD_ATTEMPTS" validate:"min=1,max=10"`
	UploadBackoff   time.Duration `env:"UPLOAD_BACKOFF" validate:"gte=0s"`
	ConnectAttempts int           `env:"CONNECT_ATTEMPTS" validate:"min=1,max=10"`

	TimezoneOffset string         `env:"TIMEZONE_OFFSET"`
	Location       *time.Location `env:"TIMEZONE_OFFSET" validate:"required"`

	WorkDir string `env:"WORK_DIR"`
}

// DedupBackend names the configured dedup store: "dynamodb", "sqlite" or "none".
func (c *Config) DedupBackend() string {
	switch {
	case c.DedupTable != "":
		return "dynamodb"
	case c.DedupSQLitePath != "":
		return "sqlite"
	default:
		return "none"
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("env"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

// Load reads the configuration through getenv (os.Getenv in production).
func Load(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}
	cfg := &Config{
		TelegramToken:      strings.TrimSpace(getenv("TELEGRAM_BOT_TOKEN")),
		TelegramTokenParam: strings.TrimSpace(getenv("SSM_TELEGRAM_TOKEN_PARAM")),
		TelegramEndpoint:   strings.TrimSpace(getenv("TELEGRAM_API_ENDPOINT")),
		TargetChannels:     strings.TrimSpace(getenv("TARGET_CHANNELS")),
		WebhookURL:         strings.TrimSpace(getenv("WEBHOOK_URL")),
		WebhookToken:       strings.TrimSpace(getenv("WEBHOOK_TOKEN")),
		WebhookTokenParam:  strings.TrimSpace(getenv("SSM_WEBHOOK_TOKEN_PARAM")),
		WebhookTimeout:     p.duration("WEBHOOK_TIMEOUT", DefaultWebhookTimeout),
		WebhookDelay:       p.duration("WEBHOOK_DELAY", DefaultWebhookDelay),
		WebhookGzip:        p.boolean("WEBHOOK_GZIP"),
		AlertWebhookURL:    strings.TrimSpace(getenv("ALERT_WEBHOOK_URL")),
		AlertWebhookToken:  strings.TrimSpace(getenv("ALERT_WEBHOOK_TOKEN")),
		AlertEventBus:      strings.TrimSpace(getenv("ALERT_EVENT_BUS")),
		MediaBucket:        strings.TrimSpace(getenv("MEDIA_BUCKET")),
		MediaEndpoint:      strings.TrimSpace(getenv("MEDIA_ENDPOINT")),
		MediaPublicBaseURL: strings.TrimSpace(getenv("MEDIA_PUBLIC_BASE_URL")),
		DedupTable:         strings.TrimSpace(getenv("DEDUP_TABLE")),
		DedupSQLitePath:    strings.TrimSpace(getenv("DEDUP_SQLITE_PATH")),
		DedupTTL:           p.duration("DEDUP_TTL", DefaultDedupTTL),
		JournalRetention:   p.duration("JOURNAL_RETENTION", DefaultJournalRetention),
		Lookback:           p.lookback("LOOKBACK", DefaultLookback),
		MaxMessages:        p.integer("MAX_MESSAGES", DefaultMaxMessages),
		AlbumWindow:        p.integer("ALBUM_WINDOW", DefaultAlbumWindow),
		UploadAttempts:     p.integer("UPLOAD_ATTEMPTS", DefaultUploadAttempts),
		UploadBackoff:      p.duration("UPLOAD_BACKOFF", DefaultUploadBackoff),
		ConnectAttempts:    p.integer("CONNECT_ATTEMPTS", DefaultConnectAttempts),
		TimezoneOffset:     strings.TrimSpace(getenv("TIMEZONE_OFFSET")),
		WorkDir:            strings.TrimSpace(getenv("WORK_DIR")),
	}
	cfg.Targets = target.Resolve(cfg.TargetChannels)
	cfg.Location = p.location("TIMEZONE_OFFSET")

	if len(p.errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(p.errs...))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints. Load calls it; callers that adjust a
// Config afterwards (flag overrides) should call it again.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s fails %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

// parser reads typed values and collects parse errors.
type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) raw(key string) string {
	return strings.TrimSpace(p.getenv(key))
}

func (p *parser) fail(key, value string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s=%q: %w", key, value, err))
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.raw(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}

// lookback accepts a Go duration or a bare number of hours.
func (p *parser) lookback(key string, def time.Duration) time.Duration {
	v := p.raw(key)
	if v == "" {
		return def
	}
	if hours, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(hours * float64(time.Hour))
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}

func (p *parser) integer(key string, def int) int {
	v := p.raw(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) boolean(key string) bool {
	v := p.raw(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return false
	}
	return b
}

func (p *parser) location(key string) *time.Location {
	v := p.raw(key)
	loc, err := ParseOffset(v)
	if err != nil {
		p.fail(key, v, err)
		return time.UTC
	}
	return loc
}

var offsetLayouts = []string{"-07:00", "-0700", "-07"}

// ParseOffset turns "UTC", "Z", "+08:00", "-0530" or "+8" style offsets into
// a fixed zone. An empty string is UTC.
func ParseOffset(s string) (*time.Location, error) {
	s = strings.TrimSpace(s)
	switch strings.ToUpper(s) {
	case "", "UTC", "Z":
		return time.UTC, nil
	}
	s = strings.TrimPrefix(strings.ToUpper(s), "UTC")
	if len(s) == 2 && (s[0] == '+' || s[0] == '-') {
		s = s[:1] + "0" + s[1:]
	}
	for _, layout := range offsetLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		_, offset := t.Zone()
		if offset == 0 {
			return time.UTC, nil
		}
		return time.FixedZone("UTC"+t.Format("-07:00"), offset), nil
	}
	return nil, fmt.Errorf("unrecognized offset %q", s)
}
