package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	yaml "go.yaml.in/yaml/v3"

	"localq/internal/domain"
	"localq/internal/scheduler"
	"localq/internal/webhook"
)

// Duration is a time.Duration written as a Go duration string ("1500ms").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", n.Line, err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", n.Line, s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

type Config struct {
	Addr            string          `yaml:"addr"`
	DB              string          `yaml:"db"`
	Pprof           bool            `yaml:"pprof"`
	Log             LogConfig       `yaml:"log"`
	Scheduler       SchedulerConfig `yaml:"scheduler"`
	WebhookDelivery DeliveryConfig  `yaml:"webhook_delivery"`
	Webhooks        []WebhookConfig `yaml:"webhooks"`
	Jobs            []JobConfig     `yaml:"jobs"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

type SchedulerConfig struct {
	Workers        int      `yaml:"workers"`
	PollInterval   Duration `yaml:"poll_interval"`
	DefaultTimeout Duration `yaml:"default_timeout"`
	MaxRetries     *int     `yaml:"max_retries"`
	RetryBase      Duration `yaml:"retry_base"`
	RetryMaxDelay  Duration `yaml:"retry_max_delay"`
	StopTimeout    Duration `yaml:"stop_timeout"`
	Retention      Duration `yaml:"retention"`
	Timezone       string   `yaml:"timezone"`
}

type DeliveryConfig struct {
	Workers       int      `yaml:"workers"`
	QueueSize     int      `yaml:"queue_size"`
	MaxAttempts   int      `yaml:"max_attempts"`
	RetryBase     Duration `yaml:"retry_base"`
	RetryMaxDelay Duration `yaml:"retry_max_delay"`
	Timeout       Duration `yaml:"timeout"`
	RatePerSec    float64  `yaml:"rate_per_sec"`
}

type WebhookConfig struct {
	ID      string   `yaml:"id"`
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Secret  string   `yaml:"secret"`
	Enabled *bool    `yaml:"enabled"`
}

type JobConfig struct {
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name"`
	JobType    string         `yaml:"job_type"`
	Recurrence string         `yaml:"recurrence"`
	Payload    map[string]any `yaml:"payload"`
	Priority   string         `yaml:"priority"`
	MaxRetries *int           `yaml:"max_retries"`
	Timeout    Duration       `yaml:"timeout"`
	Enabled    *bool          `yaml:"enabled"`
}

func intPtr(v int) *int { return &v }

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr: ":8080",
		DB:   "localq.db",
		Log:  LogConfig{Level: "info", Format: "console"},
		Scheduler: SchedulerConfig{
			Workers:        runtime.NumCPU(),
			PollInterval:   Duration(time.Second),
			DefaultTimeout: Duration(30 * time.Second),
			MaxRetries:     intPtr(3),
			RetryBase:      Duration(time.Second),
			RetryMaxDelay:  Duration(time.Minute),
			StopTimeout:    Duration(10 * time.Second),
			Retention:      Duration(time.Hour),
			Timezone:       "UTC",
		},
		WebhookDelivery: DeliveryConfig{
			Workers:       2,
			QueueSize:     256,
			MaxAttempts:   5,
			RetryBase:     Duration(500 * time.Millisecond),
			RetryMaxDelay: Duration(30 * time.Second),
			Timeout:       Duration(10 * time.Second),
			RatePerSec:    20,
		},
	}
}

// Load reads path over the defaults. An empty path yields Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := decode(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func decode(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: want console or json, got %q", c.Log.Format))
	}
	if c.Scheduler.Workers < 0 {
		errs = append(errs, errors.New("scheduler.workers must be >= 0"))
	}
	if c.Scheduler.MaxRetries != nil && *c.Scheduler.MaxRetries < 0 {
		errs = append(errs, errors.New("scheduler.max_retries must be >= 0"))
	}
	if _, err := c.location(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}
	for i, w := range c.Webhooks {
		if strings.TrimSpace(w.URL) == "" {
			errs = append(errs, fmt.Errorf("webhooks[%d].url is required", i))
		}
	}
	for i, j := range c.Jobs {
		if strings.TrimSpace(j.JobType) == "" {
			errs = append(errs, fmt.Errorf("jobs[%d].job_type is required", i))
		}
		if strings.TrimSpace(j.Recurrence) == "" {
			errs = append(errs, fmt.Errorf("jobs[%d].recurrence is required", i))
		}
		if _, err := domain.ParsePriority(j.Priority); err != nil {
			errs = append(errs, fmt.Errorf("jobs[%d].priority: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (c Config) location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}

func (c Config) SchedulerConfig() scheduler.Config {
	loc, err := c.location()
	if err != nil {
		loc = time.UTC
	}
	sc := c.Scheduler
	out := scheduler.Config{
		Workers:        sc.Workers,
		PollInterval:   sc.PollInterval.Std(),
		DefaultTimeout: sc.DefaultTimeout.Std(),
		RetryBase:      sc.RetryBase.Std(),
		RetryMaxDelay:  sc.RetryMaxDelay.Std(),
		StopTimeout:    sc.StopTimeout.Std(),
		Retention:      sc.Retention.Std(),
		Location:       loc,
	}
	if sc.MaxRetries != nil {
		out.DefaultMaxRetries = *sc.MaxRetries
	}
	return out
}

func (c Config) WebhookConfig() webhook.Config {
	d := c.WebhookDelivery
	return webhook.Config{
		Workers:       d.Workers,
		QueueSize:     d.QueueSize,
		MaxAttempts:   d.MaxAttempts,
		RetryBase:     d.RetryBase.Std(),
		RetryMaxDelay: d.RetryMaxDelay.Std(),
		Timeout:       d.Timeout.Std(),
		RateLimit:     d.RatePerSec,
	}
}

// DeclaredWebhooks converts the webhooks section. Enabled defaults to true.
func (c Config) DeclaredWebhooks() []domain.Webhook {
	out := make([]domain.Webhook, 0, len(c.Webhooks))
	for _, w := range c.Webhooks {
		out = append(out, domain.Webhook{
			ID:         w.ID,
			URL:        w.URL,
			EventTypes: w.Events,
			Secret:     w.Secret,
			Enabled:    w.Enabled == nil || *w.Enabled,
		})
	}
	return out
}

// DeclaredJobs converts the jobs section. Enabled defaults to true, a missing
// max_retries falls back to scheduler.max_retries and a missing id is derived
// from name, job type and recurrence so restarts address the same job.
func (c Config) DeclaredJobs() ([]domain.ScheduledJob, error) {
	out := make([]domain.ScheduledJob, 0, len(c.Jobs))
	for i, j := range c.Jobs {
		p, err := domain.ParsePriority(j.Priority)
		if err != nil {
			return nil, fmt.Errorf("jobs[%d]: %w", i, err)
		}
		var payload []byte
		if j.Payload != nil {
			if payload, err = jsonMarshal(j.Payload); err != nil {
				return nil, fmt.Errorf("jobs[%d].payload: %w", i, err)
			}
		}
		id := j.ID
		if id == "" {
			id = "job_" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(j.Name+"|"+j.JobType+"|"+j.Recurrence)).String()
		}
		retries := 0
		if c.Scheduler.MaxRetries != nil {
			retries = *c.Scheduler.MaxRetries
		}
		if j.MaxRetries != nil {
			retries = *j.MaxRetries
		}
		out = append(out, domain.ScheduledJob{
			ID:         id,
			Name:       j.Name,
			JobType:    j.JobType,
			Recurrence: j.Recurrence,
			Payload:    payload,
			Priority:   p,
			MaxRetries: retries,
			Timeout:    j.Timeout.Std(),
			Enabled:    j.Enabled == nil || *j.Enabled,
		})
	}
	return out, nil
}
