package sentio

import (
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/sentio/internal/calibrate"
	"github.com/hyperengineering/sentio/internal/events"
	"github.com/hyperengineering/sentio/internal/reference"
	"github.com/hyperengineering/sentio/internal/site"
)

// Backend drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// TuningParams are the per-modality threshold tuning parameters.
type TuningParams = calibrate.Params

// ComparisonConfig controls nearest-neighbour comparison against the
// reference set.
type ComparisonConfig = reference.Config

// EventsConfig configures the Kafka event publisher.
type EventsConfig = events.Config

// Tuning holds the tuning parameters for each modality.
type Tuning struct {
	Vision TuningParams `yaml:"vision"`
	Audio  TuningParams `yaml:"audio"`
}

// For returns the parameters for m with defaults filled in.
func (t Tuning) For(m Modality) TuningParams {
	if m == ModalityAudio {
		return t.Audio.WithDefaults()
	}
	return t.Vision.WithDefaults()
}

// ReferenceConfig controls the reference set.
type ReferenceConfig struct {
	Comparison ComparisonConfig `yaml:"comparison"`
	// Promote lists the modalities whose validated records join the
	// reference set. Nil means vision only; an empty slice disables
	// promotion.
	Promote []Modality `yaml:"promote"`
}

// Promotes reports whether validated records of m join the reference set.
func (r ReferenceConfig) Promotes(m Modality) bool {
	for _, p := range r.Promote {
		if p == m {
			return true
		}
	}
	return false
}

// Config configures the Sentio client.
type Config struct {
	// DBPath is the path to the local SQLite database.
	// If empty, DBPath is derived from Site.
	DBPath string `yaml:"db_path"`

	// Site is the deployment site to operate against.
	// If empty, resolved using site resolution (explicit > SENTIO_SITE env > "default").
	Site string `yaml:"site"`

	// Driver selects the persistence backend: "sqlite" (default) or "postgres".
	// The postgres backend is opened by the caller and passed as Backend.
	Driver string `yaml:"driver"`

	// PostgresDSN is the connection string for the postgres driver.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Thresholds overrides the initial threshold of modalities that have
	// never been tuned.
	Thresholds map[Modality]float64 `yaml:"thresholds"`

	Tuning    Tuning          `yaml:"tuning"`
	Reference ReferenceConfig `yaml:"reference"`
	Events    EventsConfig    `yaml:"events"`

	// MaxRetries bounds how often a threshold commit is retried after a
	// version conflict. Defaults to 5.
	MaxRetries int `yaml:"max_retries"`

	// HTTPAddr is the listen address of the review API.
	HTTPAddr string `yaml:"http_addr"`

	// LogLevel is used when Logger is nil and the CLI builds one.
	LogLevel string `yaml:"log_level"`

	// Logger receives structured logs. Defaults to a no-op logger.
	Logger *zap.Logger `yaml:"-"`

	// Registerer receives the client's Prometheus metrics. Nil disables
	// registration.
	Registerer prometheus.Registerer `yaml:"-"`

	// Backend overrides the backend opened from DBPath.
	Backend Backend `yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
// Site defaults to "default", and DBPath is derived from Site.
func DefaultConfig() Config {
	return Config{
		Site:   site.DefaultID,
		DBPath: site.DBPath(site.DefaultID),
		Driver: DriverSQLite,
		Tuning: Tuning{
			Vision: calibrate.DefaultParams(),
			Audio:  calibrate.DefaultParams(),
		},
		Reference: ReferenceConfig{
			Comparison: reference.DefaultConfig(),
			Promote:    []Modality{ModalityVision},
		},
		Events: EventsConfig{
			FeedbackTopic:   events.DefaultFeedbackTopic,
			RelocationTopic: events.DefaultRelocationTopic,
		},
		MaxRetries: 5,
		HTTPAddr:   ":8080",
		LogLevel:   "info",
	}
}

// ConfigFromEnv reads configuration from environment variables.
//
//	SENTIO_DB_PATH       → DBPath
//	SENTIO_SITE          → Site
//	SENTIO_DB_DRIVER     → Driver
//	SENTIO_POSTGRES_DSN  → PostgresDSN
//	SENTIO_KAFKA_BROKERS → Events.Brokers (comma separated; enables Events)
//	SENTIO_LOG_LEVEL     → LogLevel
//	SENTIO_HTTP_ADDR     → HTTPAddr
func ConfigFromEnv() Config {
	cfg := Config{
		DBPath:      os.Getenv("SENTIO_DB_PATH"),
		Site:        os.Getenv("SENTIO_SITE"),
		Driver:      os.Getenv("SENTIO_DB_DRIVER"),
		PostgresDSN: os.Getenv("SENTIO_POSTGRES_DSN"),
		LogLevel:    os.Getenv("SENTIO_LOG_LEVEL"),
		HTTPAddr:    os.Getenv("SENTIO_HTTP_ADDR"),
	}
	if brokers := os.Getenv("SENTIO_KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.Events.Brokers = append(cfg.Events.Brokers, b)
			}
		}
		cfg.Events.Enabled = len(cfg.Events.Brokers) > 0
	}
	return cfg
}

// LoadConfigFile reads a YAML config file over DefaultConfig. Environment
// references like ${SENTIO_POSTGRES_DSN} are expanded in the file first.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Merge overlays the non-zero scalar fields of o onto c.
func (c Config) Merge(o Config) Config {
	if o.DBPath != "" {
		c.DBPath = o.DBPath
	}
	if o.Site != "" {
		c.Site = o.Site
	}
	if o.Driver != "" {
		c.Driver = o.Driver
	}
	if o.PostgresDSN != "" {
		c.PostgresDSN = o.PostgresDSN
	}
	if len(o.Events.Brokers) > 0 {
		c.Events.Brokers = o.Events.Brokers
		c.Events.Enabled = o.Events.Enabled
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.HTTPAddr != "" {
		c.HTTPAddr = o.HTTPAddr
	}
	return c
}

// Validate checks the configuration for errors.
// Returns *ValidationError for invalid fields.
func (c *Config) Validate() error {
	switch c.Driver {
	case "", DriverSQLite:
		if c.DBPath == "" && c.Backend == nil {
			return &ValidationError{Field: "DBPath", Message: "required: path to SQLite database"}
		}
	case DriverPostgres:
		if c.PostgresDSN == "" && c.Backend == nil {
			return &ValidationError{Field: "PostgresDSN", Message: "required when Driver is postgres"}
		}
	default:
		return &ValidationError{Field: "Driver", Message: fmt.Sprintf("unknown driver %q", c.Driver)}
	}

	if c.Site != "" {
		if err := site.ValidateID(c.Site); err != nil {
			return &ValidationError{Field: "Site", Message: err.Error()}
		}
	}

	for m, v := range c.Thresholds {
		if !m.IsValid() {
			return &ValidationError{Field: "Thresholds", Message: fmt.Sprintf("unknown modality %q", m)}
		}
		if v < 0 || v > 1 {
			return &ValidationError{Field: "Thresholds", Message: fmt.Sprintf("%s threshold must be between 0 and 1", m)}
		}
	}

	for _, m := range Modalities() {
		if err := c.Tuning.For(m).Validate(); err != nil {
			return &ValidationError{Field: "Tuning." + string(m), Message: err.Error()}
		}
	}

	for _, m := range c.Reference.Promote {
		if !m.IsValid() {
			return &ValidationError{Field: "Reference.Promote", Message: fmt.Sprintf("unknown modality %q", m)}
		}
	}

	if c.MaxRetries < 0 {
		return &ValidationError{Field: "MaxRetries", Message: "must be non-negative"}
	}

	if c.Events.Enabled && len(c.Events.Brokers) == 0 {
		return &ValidationError{Field: "Events.Brokers", Message: "required when events are enabled"}
	}

	return nil
}

// WithDefaults fills in default values for unset fields.
// Site resolution: explicit Site field > SENTIO_SITE env > "default".
// DBPath is derived from the resolved Site if not explicitly set.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.Site == "" {
		resolved, err := site.Resolve("")
		if err == nil {
			c.Site = resolved
		} else {
			c.Site = site.DefaultID
		}
	}
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
	if c.DBPath == "" && c.Driver == DriverSQLite {
		c.DBPath = site.DBPath(c.Site)
	}

	c.Tuning.Vision = c.Tuning.Vision.WithDefaults()
	c.Tuning.Audio = c.Tuning.Audio.WithDefaults()

	cmp := &c.Reference.Comparison
	if *cmp == (ComparisonConfig{}) {
		*cmp = defaults.Reference.Comparison
	}
	if cmp.K == 0 {
		cmp.K = defaults.Reference.Comparison.K
	}
	if cmp.MinSamplesPerClass == 0 {
		cmp.MinSamplesPerClass = defaults.Reference.Comparison.MinSamplesPerClass
	}
	if cmp.SimilarityWeight == 0 {
		cmp.SimilarityWeight = defaults.Reference.Comparison.SimilarityWeight
	}
	if c.Reference.Promote == nil {
		c.Reference.Promote = defaults.Reference.Promote
	}

	if c.Events.FeedbackTopic == "" {
		c.Events.FeedbackTopic = defaults.Events.FeedbackTopic
	}
	if c.Events.RelocationTopic == "" {
		c.Events.RelocationTopic = defaults.Events.RelocationTopic
	}
	c.Events.Site = c.Site

	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = defaults.HTTPAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}

	return c
}
