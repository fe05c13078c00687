// Package config loads the orchestrator configuration from a YAML file and
// DETTEST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/telhawk-systems/dettest/internal/models"
)

// ErrConfiguration marks invalid configuration: bad fields, unresolvable apps
// or missing credentials. It aborts a run before any worker starts.
var ErrConfiguration = errors.New("configuration error")

// EnvPrefix prefixes environment overrides, e.g. DETTEST_NUM_CONTAINERS or
// DETTEST_INFRASTRUCTURE_RETRY_CAP.
const EnvPrefix = "DETTEST"

// Detection selection modes.
const (
	ModeAll      = "all"
	ModeChanges  = "changes"
	ModeSelected = "selected"
)

// Infrastructure backends.
const (
	BackendContainer = "container"
	BackendRemote    = "remote"
)

// Config is the master configuration.
type Config struct {
	RepoPath    string `mapstructure:"repo_path" validate:"required"`
	RepoURL     string `mapstructure:"repo_url"`
	MainBranch  string `mapstructure:"main_branch"`
	TestBranch  string `mapstructure:"test_branch"`
	CommitHash  string `mapstructure:"commit_hash"`
	PRNumber    int    `mapstructure:"pr_number" validate:"gte=0"`
	ContentPath string `mapstructure:"content_path"`

	FullImagePath    string   `mapstructure:"full_image_path"`
	NumContainers    int      `mapstructure:"num_containers"`
	Mode             string   `mapstructure:"mode" validate:"oneof=all changes selected"`
	PostTestBehavior string   `mapstructure:"post_test_behavior" validate:"oneof=never_pause pause_on_failure always_pause"`
	DetectionsList   []string `mapstructure:"detections_list"`
	ChangedList      string   `mapstructure:"changed_list"`
	PriorBuild       string   `mapstructure:"prior_build"`
	CurrentBuild     string   `mapstructure:"current_build"`

	Apps               []models.AppPackage `mapstructure:"apps" validate:"dive"`
	SplunkAppPassword  string              `mapstructure:"splunk_app_password" validate:"required"`
	SplunkbaseUsername string              `mapstructure:"splunkbase_username"`
	SplunkbasePassword string              `mapstructure:"splunkbase_password"`

	Infrastructure InfrastructureConfig `mapstructure:"infrastructure"`
	Report         ReportConfig         `mapstructure:"report"`
	Views          ViewsConfig          `mapstructure:"views"`
	OpenSearch     OpenSearchConfig     `mapstructure:"opensearch"`
	Logging        LoggingConfig        `mapstructure:"logging"`
}

// InfrastructureConfig holds instance and timing settings.
type InfrastructureConfig struct {
	Backend   string                `mapstructure:"backend" validate:"oneof=container remote"`
	Instances []models.InstanceSpec `mapstructure:"instances" validate:"dive"`

	WebPortBase int `mapstructure:"web_port_base" validate:"gte=1,lte=65535"`
	HECPortBase int `mapstructure:"hec_port_base" validate:"gte=1,lte=65535"`

	// ReadyTimeout bounds the wait for a started instance. Zero means a
	// single readiness check. See Config.ReadyTimeout for the remote default.
	ReadyTimeout   time.Duration `mapstructure:"ready_timeout" validate:"gte=0"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout" validate:"gte=0"`
	RetryCap       time.Duration `mapstructure:"retry_cap" validate:"gt=0"`
	SearchTimeout  time.Duration `mapstructure:"search_timeout" validate:"gt=0"`
	DeleteTimeout  time.Duration `mapstructure:"delete_timeout" validate:"gt=0"`
	AckTimeout     time.Duration `mapstructure:"ack_timeout" validate:"gt=0"`
	NoiseThreshold int           `mapstructure:"noise_threshold" validate:"gte=0"`

	AttackDataRoot    string `mapstructure:"attack_data_root"`
	AppsDir           string `mapstructure:"apps_dir"`
	DataModelTemplate string `mapstructure:"datamodel_template"`
	// DataModelApp owns the data-model configuration that is accelerated on
	// every instance. Empty selects the common information model app when it
	// is among the configured apps.
	DataModelApp string `mapstructure:"datamodel_app"`

	// Templates are archives copied into every container before it starts.
	Templates []Template `mapstructure:"templates" validate:"dive"`

	readyTimeoutSet bool
}

// Template maps a host archive to its path inside the container. Relative
// host paths are resolved against repo_path.
type Template struct {
	HostPath      string `mapstructure:"host_path" validate:"required"`
	ContainerPath string `mapstructure:"container_path" validate:"required,startswith=/"`
}

// ReportConfig holds output paths.
type ReportConfig struct {
	JSONPath    string `mapstructure:"json_path"`
	SummaryPath string `mapstructure:"summary_path"`
}

// ViewsConfig enables progress views and sinks.
type ViewsConfig struct {
	Terminal bool          `mapstructure:"terminal"`
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
	WebAddr  string        `mapstructure:"web_addr"`
	File     string        `mapstructure:"file"`
	Redis    RedisConfig   `mapstructure:"redis"`
	NATS     NATSConfig    `mapstructure:"nats"`
}

// RedisConfig holds the live stats sink settings.
type RedisConfig struct {
	URL     string        `mapstructure:"url"`
	Enabled bool          `mapstructure:"enabled"`
	Key     string        `mapstructure:"key"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// NATSConfig holds the result event sink settings.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	Subject       string        `mapstructure:"subject"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// OpenSearchConfig holds the result archive settings.
type OpenSearchConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Insecure bool   `mapstructure:"insecure"`
	Index    string `mapstructure:"index"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// Load reads configuration from path (optional) and the environment. A
// missing file is not an error when path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dettest")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: read config: %w", ErrConfiguration, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config: %w", ErrConfiguration, err)
	}
	_, envSet := os.LookupEnv(EnvPrefix + "_INFRASTRUCTURE_READY_TIMEOUT")
	cfg.Infrastructure.readyTimeoutSet = envSet || v.InConfig("infrastructure.ready_timeout")
	cfg.Normalize()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("repo_path", ".")
	v.SetDefault("repo_url", "")
	v.SetDefault("main_branch", "develop")
	v.SetDefault("test_branch", "")
	v.SetDefault("commit_hash", "")
	v.SetDefault("pr_number", 0)
	v.SetDefault("content_path", "detections")
	v.SetDefault("full_image_path", "splunk/splunk:latest")
	v.SetDefault("num_containers", 1)
	v.SetDefault("mode", ModeChanges)
	v.SetDefault("post_test_behavior", "pause_on_failure")
	v.SetDefault("detections_list", []string{})
	v.SetDefault("changed_list", "")
	v.SetDefault("prior_build", "")
	v.SetDefault("current_build", "")
	v.SetDefault("splunk_app_password", "Chang3d!")
	v.SetDefault("splunkbase_username", "")
	v.SetDefault("splunkbase_password", "")

	v.SetDefault("infrastructure.backend", BackendContainer)
	v.SetDefault("infrastructure.web_port_base", 8000)
	v.SetDefault("infrastructure.hec_port_base", 8088)
	v.SetDefault("infrastructure.ready_timeout", "20m")
	v.SetDefault("infrastructure.startup_timeout", "20m")
	v.SetDefault("infrastructure.retry_cap", "120s")
	v.SetDefault("infrastructure.search_timeout", "60s")
	v.SetDefault("infrastructure.delete_timeout", "2m")
	v.SetDefault("infrastructure.ack_timeout", "5m")
	v.SetDefault("infrastructure.noise_threshold", 0)
	v.SetDefault("infrastructure.attack_data_root", "")
	v.SetDefault("infrastructure.apps_dir", "apps")
	v.SetDefault("infrastructure.datamodel_template", "")
	v.SetDefault("infrastructure.datamodel_app", "")

	v.SetDefault("report.json_path", "test_results/results.json")
	v.SetDefault("report.summary_path", "test_results/summary.yml")

	v.SetDefault("views.terminal", true)
	v.SetDefault("views.interval", "1s")
	v.SetDefault("views.web_addr", "")
	v.SetDefault("views.file", "")
	v.SetDefault("views.redis.url", "redis://localhost:6379/0")
	v.SetDefault("views.redis.enabled", false)
	v.SetDefault("views.redis.key", "dettest:run")
	v.SetDefault("views.redis.ttl", "24h")
	v.SetDefault("views.nats.url", "nats://localhost:4222")
	v.SetDefault("views.nats.enabled", false)
	v.SetDefault("views.nats.subject", "dettest.results")
	v.SetDefault("views.nats.max_reconnects", 10)
	v.SetDefault("views.nats.reconnect_wait", "2s")

	v.SetDefault("opensearch.enabled", false)
	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.password", "")
	v.SetDefault("opensearch.insecure", true)
	v.SetDefault("opensearch.index", "dettest-results")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Normalize canonicalises enum spellings accepted on the command line.
func (c *Config) Normalize() {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	c.PostTestBehavior = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(c.PostTestBehavior)), "-", "_")
	c.Infrastructure.Backend = strings.ToLower(strings.TrimSpace(c.Infrastructure.Backend))
}

var validate = validator.New()

// Validate checks field constraints and the rules that span fields. Every
// failure wraps ErrConfiguration.
func (c *Config) Validate() error {
	c.Normalize()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	var errs []error
	refs := 0
	if c.TestBranch != "" {
		refs++
	}
	if c.CommitHash != "" {
		refs++
	}
	if c.PRNumber > 0 {
		refs++
	}
	if refs != 1 {
		errs = append(errs, errors.New("exactly one of test_branch, commit_hash or pr_number is required"))
	}

	if c.NumContainers < 1 {
		errs = append(errs, fmt.Errorf("num_containers must be at least 1, got %d", c.NumContainers))
	}

	switch {
	case c.Mode == ModeSelected && len(c.DetectionsList) == 0:
		errs = append(errs, errors.New("detections_list is required when mode is selected"))
	case c.Mode != ModeSelected && len(c.DetectionsList) > 0:
		errs = append(errs, fmt.Errorf("detections_list is only allowed when mode is selected, mode is %s", c.Mode))
	}

	if c.Infrastructure.Backend == BackendRemote && len(c.Infrastructure.Instances) == 0 {
		errs = append(errs, errors.New("infrastructure.instances is required for the remote backend"))
	}

	hasRegistryCreds := c.SplunkbaseUsername != "" && c.SplunkbasePassword != ""
	for _, app := range c.Apps {
		if app.LocalPath == "" && app.HTTPURL == "" && app.RegistryURL == "" {
			errs = append(errs, fmt.Errorf("app %s has no locator", app.AppID))
			continue
		}
		if app.LocalPath == "" && app.HTTPURL == "" && !hasRegistryCreds {
			errs = append(errs, fmt.Errorf("app %s is only available from the registry and splunkbase credentials are not set", app.AppID))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

// ReadyTimeout returns the readiness cap. Remote instances are expected to be
// up already, so they get a single check unless ready_timeout was set.
func (c *Config) ReadyTimeout() time.Duration {
	if c.Infrastructure.Backend == BackendRemote && !c.Infrastructure.readyTimeoutSet {
		return 0
	}
	return c.Infrastructure.ReadyTimeout
}

// Instances returns the number of instances the run uses.
func (c *Config) Instances() int {
	if c.Infrastructure.Backend == BackendRemote {
		return len(c.Infrastructure.Instances)
	}
	return c.NumContainers
}

// ReadDetectionsList reads newline separated entries from each path. Blank
// lines and lines starting with '#' are skipped.
func ReadDetectionsList(paths ...string) ([]string, error) {
	var out []string
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: read detections list: %w", ErrConfiguration, err)
		}
		for line := range strings.Lines(string(data)) {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			out = append(out, line)
		}
	}
	return out, nil
}
