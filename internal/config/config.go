package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Specification struct {
	Provider    string            `yaml:"provider"`
	APIKey      string            `yaml:"providerApiKey" envconfig:"PROVIDER_API_KEY"`
	EmbedModel  string            `yaml:"providerEmbedModel" envconfig:"PROVIDER_EMBEDDING_MODEL"`
	AnswerModel string            `yaml:"providerAnswerModel" envconfig:"PROVIDER_ANSWER_MODEL"`
	BaseURL     string            `yaml:"providerBaseURL" envconfig:"PROVIDER_BASE_URL"`
	ProjectID   string            `yaml:"providerProjectID" envconfig:"PROVIDER_PROJECT_ID"`
	Location    string            `yaml:"providerLocation" envconfig:"PROVIDER_LOCATION"`
	Dim         int               `yaml:"providerDim" envconfig:"EMBED_DIM"`
	BatchSize   int               `yaml:"batchSize" envconfig:"BATCH_SIZE"`
	IndexDir    string            `yaml:"indexDir" envconfig:"INDEX_DIR"`
	UploadDir   string            `yaml:"uploadDir" envconfig:"UPLOAD_DIR"`
	Database    string            `yaml:"database" envconfig:"DB_URL"`
	TopK        int               `yaml:"topK" envconfig:"TOP_K"`
	MaxUploadMB int               `yaml:"maxUploadMB" envconfig:"MAX_UPLOAD_MB"`
	LogLevel    string            `yaml:"logLevel" split_words:"true"`
	Port        int               `yaml:"port" split_words:"true"`
	Auth        AuthSpecification `yaml:"auth"`

	flags *pflag.FlagSet `ignored:"true"`
}

type AuthSpecification struct {
	Enabled   bool   `yaml:"enabled"`
	JwtSecret string `yaml:"jwtSecret" split_words:"true"`
}

const envPrefix = "DOCQA"

var discoveryPaths = []string{
	"config/docqa.yaml",
	"config/config.yaml",
	"./docqa.yaml",
	"./config.yaml",
}

func (s *Specification) Usage() {
	fmt.Fprint(os.Stderr, s.flags.FlagUsages())
}

// Load => defaults < YAML < env < flags.
// configPath may be ""; if so we auto-discover.
func Load(configPath string, fs *pflag.FlagSet) (Specification, error) {
	cfg := Bind(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return Specification{}, err
	}
	if configPath != "" {
		if err := fs.Set("config", configPath); err != nil {
			return Specification{}, err
		}
	}
	if err := Resolve(cfg, fs); err != nil {
		return Specification{}, err
	}
	return *cfg, nil
}

// Bind registers the config flags on fs and returns a Specification
// holding the defaults. Call Resolve once fs has been parsed.
func Bind(fs *pflag.FlagSet) *Specification {
	cfg := &Specification{}
	setDefaults(cfg)
	bindFlags(fs, cfg)
	return cfg
}

// Resolve layers the config file, environment and changed flags onto cfg.
// Variables from .env join the environment layer without overriding variables
// already set, so the order is defaults < YAML < .env < environment < flags.
func Resolve(cfg *Specification, fs *pflag.FlagSet) error {
	if err := loadDotEnv(".env"); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}

	// config file
	path, _ := fs.GetString("config")
	if path == "" {
		if v := os.Getenv(envPrefix + "_CONFIG"); v != "" {
			path = v
		} else {
			for _, cand := range discoveryPaths {
				if fileExists(cand) {
					path = cand
					break
				}
			}
		}
	}

	if path != "" {
		if !fileExists(path) {
			return fmt.Errorf("config file not found: %s", path)
		}
		if err := loadYAML(path, cfg); err != nil {
			return fmt.Errorf("load yaml %s: %w", path, err)
		}
	}

	// env overrides config file
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return fmt.Errorf("env override: %w", err)
	}

	// flags override everything
	applyChangedFlags(fs, cfg)

	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	return cfg.validate()
}

func (s *Specification) validate() error {
	var errs []error
	if s.TopK < 1 {
		errs = append(errs, fmt.Errorf("%s_TOP_K must be at least 1, got %d", envPrefix, s.TopK))
	}
	if s.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("%s_BATCH_SIZE must be at least 1, got %d", envPrefix, s.BatchSize))
	}
	if s.Dim < 0 {
		errs = append(errs, fmt.Errorf("%s_EMBED_DIM must not be negative, got %d", envPrefix, s.Dim))
	}
	if strings.TrimSpace(s.IndexDir) == "" {
		errs = append(errs, fmt.Errorf("%s_INDEX_DIR is required (env/file/flag)", envPrefix))
	}
	if s.MaxUploadMB < 1 {
		errs = append(errs, fmt.Errorf("%s_MAX_UPLOAD_MB must be at least 1, got %d", envPrefix, s.MaxUploadMB))
	}
	if s.Auth.Enabled && strings.TrimSpace(s.Auth.JwtSecret) == "" {
		errs = append(errs, fmt.Errorf("%s_AUTH_JWT_SECRET is required when auth is enabled", envPrefix))
	}
	return errors.Join(errs...)
}

// ---------- helpers ----------

func loadYAML(path string, into any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, into)
}

// loadDotEnv exports the variables in path without overriding ones already set.
func loadDotEnv(path string) error {
	if !fileExists(path) {
		return nil
	}
	return godotenv.Load(path)
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

func bindFlags(fs *pflag.FlagSet, c *Specification) {
	fs.String("config", "", "Path to config file")

	fs.String("provider", c.Provider, "Provider (stub, openai, google)")
	fs.String("provider-api-key", c.APIKey, "Provider API key")
	fs.String("provider-embedding-model", c.EmbedModel, "Provider embedding model")
	fs.String("provider-answer-model", c.AnswerModel, "Provider answering model")
	fs.String("provider-base-url", c.BaseURL, "Provider base URL (OpenAI-compatible endpoints)")
	fs.String("provider-project-id", c.ProjectID, "Provider project ID")
	fs.String("provider-location", c.Location, "Provider location/region")

	fs.Int("embed-dim", c.Dim, "Embedding dimensionality (0 = provider default)")
	fs.Int("batch-size", c.BatchSize, "Chunks per embedding request")

	fs.String("index-dir", c.IndexDir, "Directory holding the persisted index")
	fs.String("upload-dir", c.UploadDir, "Directory uploaded files are written to")
	fs.String("db-url", c.Database, "Optional Postgres URL (DSN) for the index mirror")

	fs.Int("top-k", c.TopK, "Default number of chunks retrieved per question")
	fs.Int("max-upload-mb", c.MaxUploadMB, "Maximum upload request size in MiB")

	fs.String("log-level", c.LogLevel, "Log level (debug|info|warn|error)")
	fs.Int("port", c.Port, "API server port")

	fs.Bool("auth-enabled", c.Auth.Enabled, "Require a bearer token on upload and query")
	fs.String("auth-jwt-secret", c.Auth.JwtSecret, "JWT secret for signing tokens")

	// Used later for usage/help
	// create a shallow copy of fs (so Usage can be called safely without mutating caller)
	copied := pflag.NewFlagSet("temp", pflag.ContinueOnError)
	*copied = *fs
	c.flags = copied
}

func applyChangedFlags(fs *pflag.FlagSet, c *Specification) {
	setStr := func(name string, dst *string) {
		if fs.Changed(name) {
			v, _ := fs.GetString(name)
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if fs.Changed(name) {
			v, _ := fs.GetInt(name)
			*dst = v
		}
	}
	setBool := func(name string, dst *bool) {
		if fs.Changed(name) {
			v, _ := fs.GetBool(name)
			*dst = v
		}
	}

	// (We ignore --config here; it's for discovery.)
	setStr("provider", &c.Provider)
	setStr("provider-api-key", &c.APIKey)
	setStr("provider-embedding-model", &c.EmbedModel)
	setStr("provider-answer-model", &c.AnswerModel)
	setStr("provider-base-url", &c.BaseURL)
	setStr("provider-project-id", &c.ProjectID)
	setStr("provider-location", &c.Location)

	setInt("embed-dim", &c.Dim)
	setInt("batch-size", &c.BatchSize)

	setStr("index-dir", &c.IndexDir)
	setStr("upload-dir", &c.UploadDir)
	setStr("db-url", &c.Database)

	setInt("top-k", &c.TopK)
	setInt("max-upload-mb", &c.MaxUploadMB)

	setStr("log-level", &c.LogLevel)
	setInt("port", &c.Port)

	setBool("auth-enabled", &c.Auth.Enabled)
	setStr("auth-jwt-secret", &c.Auth.JwtSecret)
}

func setDefaults(c *Specification) {
	c.LogLevel = "info"
	c.Provider = "stub"
	c.Location = "us-central1"
	c.Dim = 0
	c.BatchSize = 32
	c.IndexDir = "index"
	c.UploadDir = "uploads"
	c.Database = ""
	c.TopK = 3
	c.MaxUploadMB = 64
	c.Auth.Enabled = false
	c.Port = 8000
}
