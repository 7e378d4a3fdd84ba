package sentio_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hyperengineering/sentio"
)

func TestConfig_Validate_ValidSQLite(t *testing.T) {
	cfg := sentio.Config{DBPath: "/tmp/test.db"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() returned error for valid sqlite config: %v", err)
	}
}

func TestConfig_Validate_Errors(t *testing.T) {
	tests := []struct {
		name  string
		cfg   sentio.Config
		field string
	}{
		{"missing DBPath", sentio.Config{}, "DBPath"},
		{"unknown driver", sentio.Config{Driver: "oracle"}, "Driver"},
		{"postgres without DSN", sentio.Config{Driver: sentio.DriverPostgres}, "PostgresDSN"},
		{"bad site", sentio.Config{DBPath: "/tmp/x.db", Site: "Bad Site"}, "Site"},
		{"threshold above 1", sentio.Config{DBPath: "/tmp/x.db", Thresholds: map[sentio.Modality]float64{sentio.ModalityVision: 1.2}}, "Thresholds"},
		{"threshold unknown modality", sentio.Config{DBPath: "/tmp/x.db", Thresholds: map[sentio.Modality]float64{"thermal": 0.5}}, "Thresholds"},
		{"negative learning rate", sentio.Config{DBPath: "/tmp/x.db", Tuning: sentio.Tuning{Audio: sentio.TuningParams{LearningRate: -0.1}}}, "Tuning.audio"},
		{"bad promote modality", sentio.Config{DBPath: "/tmp/x.db", Reference: sentio.ReferenceConfig{Promote: []sentio.Modality{"thermal"}}}, "Reference.Promote"},
		{"negative retries", sentio.Config{DBPath: "/tmp/x.db", MaxRetries: -1}, "MaxRetries"},
		{"events without brokers", sentio.Config{DBPath: "/tmp/x.db", Events: sentio.EventsConfig{Enabled: true}}, "Events.Brokers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			var ve *sentio.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate() returned %v, want *ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("ValidationError.Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestConfig_Validate_BackendReplacesPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b.db")
	store, err := sentio.NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	cfg := sentio.Config{Driver: sentio.DriverPostgres, Backend: store}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with Backend = %v, want nil", err)
	}
}

func TestConfigFromEnv_ReadsVars(t *testing.T) {
	t.Setenv("SENTIO_DB_PATH", "/tmp/env-test.db")
	t.Setenv("SENTIO_SITE", "barn-2")
	t.Setenv("SENTIO_DB_DRIVER", "postgres")
	t.Setenv("SENTIO_POSTGRES_DSN", "postgres://u@h/db")
	t.Setenv("SENTIO_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("SENTIO_LOG_LEVEL", "debug")
	t.Setenv("SENTIO_HTTP_ADDR", ":9000")

	cfg := sentio.ConfigFromEnv()

	if cfg.DBPath != "/tmp/env-test.db" || cfg.Site != "barn-2" || cfg.Driver != "postgres" {
		t.Errorf("ConfigFromEnv() = %+v", cfg)
	}
	if cfg.PostgresDSN != "postgres://u@h/db" {
		t.Errorf("PostgresDSN = %q", cfg.PostgresDSN)
	}
	if diff := cmp.Diff([]string{"k1:9092", "k2:9092"}, cfg.Events.Brokers); diff != "" {
		t.Errorf("Events.Brokers mismatch (-want +got):\n%s", diff)
	}
	if !cfg.Events.Enabled {
		t.Error("Events.Enabled = false with brokers set")
	}
	if cfg.LogLevel != "debug" || cfg.HTTPAddr != ":9000" {
		t.Errorf("LogLevel = %q, HTTPAddr = %q", cfg.LogLevel, cfg.HTTPAddr)
	}
}

func TestConfigFromEnv_UnsetVarsDefaultToEmpty(t *testing.T) {
	for _, k := range []string{"SENTIO_DB_PATH", "SENTIO_SITE", "SENTIO_DB_DRIVER", "SENTIO_POSTGRES_DSN", "SENTIO_KAFKA_BROKERS"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg := sentio.ConfigFromEnv()

	if cfg.DBPath != "" || cfg.Site != "" || cfg.Driver != "" || cfg.Events.Enabled {
		t.Errorf("ConfigFromEnv() = %+v, want empty", cfg)
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("SENTIO_HOME", t.TempDir())
	cfg := sentio.DefaultConfig()

	if cfg.Site != "default" {
		t.Errorf("Site = %q, want default", cfg.Site)
	}
	if filepath.Base(cfg.DBPath) != "sentio.db" {
		t.Errorf("DBPath = %q, want a sentio.db file", cfg.DBPath)
	}
	if cfg.Driver != sentio.DriverSQLite || cfg.MaxRetries != 5 {
		t.Errorf("Driver = %q, MaxRetries = %d", cfg.Driver, cfg.MaxRetries)
	}

	p := cfg.Tuning.For(sentio.ModalityVision)
	if p.LearningRate != 0.1 || p.BoundaryMargin != 0.15 || p.MinSamples != 10 || p.Epsilon() != 0.01 {
		t.Errorf("vision tuning = %+v", p)
	}
	if !cfg.Reference.Promotes(sentio.ModalityVision) || cfg.Reference.Promotes(sentio.ModalityAudio) {
		t.Errorf("Promote = %v, want vision only", cfg.Reference.Promote)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
}

func TestWithDefaults_DerivesDBPathFromSite(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SENTIO_HOME", home)
	t.Setenv("SENTIO_SITE", "")

	cfg := sentio.Config{Site: "farm/barn-1"}.WithDefaults()

	want := filepath.Join(home, "sites", "farm__barn-1", "sentio.db")
	if cfg.DBPath != want {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, want)
	}
	if cfg.Events.Site != "farm/barn-1" {
		t.Errorf("Events.Site = %q, want the resolved site", cfg.Events.Site)
	}
}

func TestWithDefaults_SiteFromEnv(t *testing.T) {
	t.Setenv("SENTIO_HOME", t.TempDir())
	t.Setenv("SENTIO_SITE", "barn-7")

	if cfg := (sentio.Config{}).WithDefaults(); cfg.Site != "barn-7" {
		t.Errorf("Site = %q, want barn-7", cfg.Site)
	}
}

func TestWithDefaults_PreservesExplicitValues(t *testing.T) {
	explicit := "/custom/path/sentio.db"
	cfg := sentio.Config{
		DBPath:     explicit,
		MaxRetries: 2,
		Tuning:     sentio.Tuning{Audio: sentio.TuningParams{LearningRate: 0.2}},
		Reference:  sentio.ReferenceConfig{Promote: []sentio.Modality{}},
	}.WithDefaults()

	if cfg.DBPath != explicit {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, explicit)
	}
	if cfg.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want 2", cfg.MaxRetries)
	}
	if p := cfg.Tuning.For(sentio.ModalityAudio); p.LearningRate != 0.2 || p.MinSamples != 10 {
		t.Errorf("audio tuning = %+v, want explicit rate with default min samples", p)
	}
	if cfg.Reference.Promotes(sentio.ModalityVision) {
		t.Error("an empty Promote list should disable promotion")
	}
	if !cfg.Reference.Comparison.Enabled || cfg.Reference.Comparison.K != 5 {
		t.Errorf("Comparison = %+v, want defaults", cfg.Reference.Comparison)
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("TEST_SENTIO_DSN", "postgres://sentio@db/sentio")
	path := filepath.Join(t.TempDir(), "sentio.yaml")
	data := `
driver: postgres
postgres_dsn: ${TEST_SENTIO_DSN}
site: barn-3
thresholds:
  vision: 0.6
tuning:
  vision:
    apply_epsilon: 0
  audio:
    learning_rate: 0.05
    min_samples: 20
reference:
  promote: [vision, audio]
events:
  enabled: true
  brokers: ["kafka:9092"]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := sentio.LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile() error: %v", err)
	}

	if cfg.PostgresDSN != "postgres://sentio@db/sentio" {
		t.Errorf("PostgresDSN = %q, want env-expanded value", cfg.PostgresDSN)
	}
	if cfg.Thresholds[sentio.ModalityVision] != 0.6 {
		t.Errorf("vision threshold = %v", cfg.Thresholds[sentio.ModalityVision])
	}
	if p := cfg.Tuning.For(sentio.ModalityAudio); p.LearningRate != 0.05 || p.MinSamples != 20 {
		t.Errorf("audio tuning = %+v", p)
	}
	if p := cfg.WithDefaults().Tuning.For(sentio.ModalityVision); p.Epsilon() != 0 || p.BoundaryMargin != 0.15 {
		t.Errorf("vision tuning = %+v, want explicit zero epsilon kept", p)
	}
	if !cfg.Reference.Promotes(sentio.ModalityAudio) {
		t.Error("audio promotion not loaded")
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want default 5 kept", cfg.MaxRetries)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadConfigFile_RejectsZeroMargin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentio.yaml")
	if err := os.WriteFile(path, []byte("tuning:\n  audio:\n    boundary_margin: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := sentio.LoadConfigFile(path); err == nil {
		t.Error("LoadConfigFile() accepted boundary_margin: 0")
	}
}

func TestLoadConfigFile_Missing(t *testing.T) {
	if _, err := sentio.LoadConfigFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("LoadConfigFile() on missing file returned nil error")
	}
}

func TestConfig_Merge(t *testing.T) {
	base := sentio.Config{DBPath: "/a.db", Site: "one", LogLevel: "info"}
	got := base.Merge(sentio.Config{Site: "two", Events: sentio.EventsConfig{Enabled: true, Brokers: []string{"k:9092"}}})

	if got.DBPath != "/a.db" || got.Site != "two" || got.LogLevel != "info" {
		t.Errorf("Merge() = %+v", got)
	}
	if !got.Events.Enabled || len(got.Events.Brokers) != 1 {
		t.Errorf("Merge() events = %+v", got.Events)
	}
}
