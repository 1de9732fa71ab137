package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"popsync/internal/errdefs"

	yaml "gopkg.in/yaml.v2"
)

const (
	DefaultPopulationURL = "https://honolulu-api.datausa.io/tesseract/data.jsonrecords?cube=acs_yg_total_population_1&drilldowns=Year%2CNation&locale=en&measures=Population"
	DefaultCatalogURL    = "https://download.bls.gov/pub/time.series/pr/"
)

type StorageConfig struct {
	Type string `yaml:"type" json:"type"` // s3 | fs | memory
	S3   struct {
		Bucket       string `yaml:"bucket" json:"bucket"`
		Region       string `yaml:"region" json:"region"`
		Endpoint     string `yaml:"endpoint" json:"endpoint"`
		UsePathStyle bool   `yaml:"use_path_style" json:"use_path_style"`
		// Static credentials; when empty the default AWS credential chain is used.
		AccessKeyID     string `yaml:"access_key_id" json:"-"`
		SecretAccessKey string `yaml:"secret_access_key" json:"-"`
	} `yaml:"s3" json:"s3"`
	FS struct {
		RootDir string `yaml:"root_dir" json:"root_dir"`
	} `yaml:"fs" json:"fs"`
}

type PopulationConfig struct {
	URL    string `yaml:"url" json:"url"`
	Prefix string `yaml:"prefix" json:"prefix"`
}

type CatalogConfig struct {
	URL       string `yaml:"url" json:"url"`
	Prefix    string `yaml:"prefix" json:"prefix"`
	UserAgent string `yaml:"user_agent" json:"user_agent"`
	// RequestsPerSecond bounds the metadata (HEAD) requests issued per listing.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	// AllowEmptySource lets an empty remote listing delete every mirrored file.
	AllowEmptySource bool `yaml:"allow_empty_source" json:"allow_empty_source"`
	// LogPrefix is where the log of each sync pass is stored.
	LogPrefix string `yaml:"log_prefix" json:"log_prefix"`
}

type DispatchConfig struct {
	Prefix string `yaml:"prefix" json:"prefix"`
	Suffix string `yaml:"suffix" json:"suffix"`
}

type NotebookConfig struct {
	Binary       string `yaml:"binary" json:"binary"`
	InputKey     string `yaml:"input_key" json:"input_key"`
	OutputPrefix string `yaml:"output_prefix" json:"output_prefix"`
	Kernel       string `yaml:"kernel" json:"kernel"`
	WorkDir      string `yaml:"work_dir" json:"work_dir"`
}

type NotifyConfig struct {
	Type string `yaml:"type" json:"type"` // sqs | nats | log
	SQS  struct {
		QueueURL string `yaml:"queue_url" json:"queue_url"`
		Region   string `yaml:"region" json:"region"`
	} `yaml:"sqs" json:"sqs"`
	NATS struct {
		URL     string `yaml:"url" json:"url"`
		Subject string `yaml:"subject" json:"subject"`
	} `yaml:"nats" json:"nats"`
}

type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url" json:"pushgateway_url"`
	Job            string `yaml:"job" json:"job"`
}

type RetryConfig struct {
	Attempts int `yaml:"attempts" json:"attempts"`
	DelayMS  int `yaml:"delay_ms" json:"delay_ms"`
}

type HTTPConfig struct {
	TimeoutMS int `yaml:"timeout_ms" json:"timeout_ms"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // text | json
}

type Config struct {
	Storage    StorageConfig    `yaml:"storage" json:"storage"`
	Population PopulationConfig `yaml:"population" json:"population"`
	Catalog    CatalogConfig    `yaml:"catalog" json:"catalog"`
	Dispatch   DispatchConfig   `yaml:"dispatch" json:"dispatch"`
	Notebook   NotebookConfig   `yaml:"notebook" json:"notebook"`
	Notify     NotifyConfig     `yaml:"notify" json:"notify"`
	Metrics    MetricsConfig    `yaml:"metrics" json:"metrics"`
	Retry      RetryConfig      `yaml:"retry" json:"retry"`
	HTTP       HTTPConfig       `yaml:"http" json:"http"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// Load reads and unmarshals the configuration file located at the given path,
// applies environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	data, err := ioutil.ReadFile(absPath)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

// Parse builds a Config from raw YAML.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errdefs.Decode("parse config", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets deployment environments override the file for values that
// differ per account (bucket, region, queue).
func (c *Config) applyEnv() {
	if v := os.Getenv("S3_BUCKET_NAME"); v != "" {
		c.Storage.S3.Bucket = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		c.Storage.S3.Region = v
		if c.Notify.SQS.Region == "" {
			c.Notify.SQS.Region = v
		}
	}
	if v := os.Getenv("SQS_QUEUE_URL"); v != "" {
		c.Notify.SQS.QueueURL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.Notify.NATS.URL = v
	}
	if v := os.Getenv("PUSHGATEWAY_URL"); v != "" {
		c.Metrics.PushgatewayURL = v
	}
}

func (c *Config) applyDefaults() {
	if c.Storage.Type == "" {
		c.Storage.Type = "s3"
	}
	if c.Population.URL == "" {
		c.Population.URL = DefaultPopulationURL
	}
	if c.Population.Prefix == "" {
		c.Population.Prefix = "population_data/"
	}
	if c.Catalog.URL == "" {
		c.Catalog.URL = DefaultCatalogURL
	}
	if c.Catalog.Prefix == "" {
		c.Catalog.Prefix = "bls_data/"
	}
	if c.Catalog.LogPrefix == "" {
		c.Catalog.LogPrefix = "logs/"
	}
	if c.Catalog.RequestsPerSecond <= 0 {
		c.Catalog.RequestsPerSecond = 5
	}
	if c.Dispatch.Prefix == "" {
		c.Dispatch.Prefix = "population_data/"
	}
	if c.Dispatch.Suffix == "" {
		c.Dispatch.Suffix = ".json"
	}
	if c.Notebook.Binary == "" {
		c.Notebook.Binary = "papermill"
	}
	if c.Notebook.Kernel == "" {
		c.Notebook.Kernel = "python3"
	}
	if c.Notify.Type == "" {
		c.Notify.Type = "log"
	}
	if c.Notify.SQS.Region == "" {
		c.Notify.SQS.Region = c.Storage.S3.Region
	}
	if c.Notify.NATS.Subject == "" {
		c.Notify.NATS.Subject = "popsync.completed"
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = "popsync"
	}

	// Default retry values if not set
	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = 3
	}
	if c.Retry.DelayMS == 0 {
		c.Retry.DelayMS = 1500
	}
	if c.HTTP.TimeoutMS == 0 {
		c.HTTP.TimeoutMS = 30_000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks that every destination the pipeline writes to is set.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return errdefs.Config("storage.s3.bucket", errors.New("required when storage type is s3"))
		}
	case "fs":
		if c.Storage.FS.RootDir == "" {
			return errdefs.Config("storage.fs.root_dir", errors.New("required when storage type is fs"))
		}
	case "memory":
	default:
		return errdefs.Config("storage.type", fmt.Errorf("unsupported storage type: %s", c.Storage.Type))
	}

	switch c.Notify.Type {
	case "sqs":
		if c.Notify.SQS.QueueURL == "" {
			return errdefs.Config("notify.sqs.queue_url", errors.New("required when notify type is sqs"))
		}
	case "nats":
		if c.Notify.NATS.URL == "" {
			return errdefs.Config("notify.nats.url", errors.New("required when notify type is nats"))
		}
	case "log":
	default:
		return errdefs.Config("notify.type", fmt.Errorf("unsupported notify type: %s", c.Notify.Type))
	}

	if !strings.HasSuffix(c.Catalog.URL, "/") {
		return errdefs.Config("catalog.url", errors.New("must end with / so links can be matched against it"))
	}
	if c.Catalog.Prefix == c.Population.Prefix {
		return errdefs.Config("catalog.prefix", errors.New("must differ from population.prefix"))
	}
	if strings.HasPrefix(c.Catalog.LogPrefix, c.Catalog.Prefix) {
		return errdefs.Config("catalog.log_prefix", errors.New("must not be inside catalog.prefix"))
	}
	if c.Notebook.InputKey == "" {
		return errdefs.Config("notebook.input_key", errors.New("required"))
	}
	if c.Retry.Attempts < 0 || c.Retry.DelayMS < 0 {
		return errdefs.Config("retry", errors.New("attempts and delay_ms must not be negative"))
	}
	return nil
}
