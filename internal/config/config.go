package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"stagerun/internal/logging"
	"stagerun/internal/pool"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STAGERUN_"

// Duration is a time.Duration written as a string ("90s", "5m") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d", node.Line)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the scheduler daemon configuration.
type Config struct {
	Listen            string   `yaml:"listen"`
	DataDir           string   `yaml:"dataDir"`
	PipelinesDir      string   `yaml:"pipelinesDir"`
	MaxConcurrentRuns int      `yaml:"maxConcurrentRuns"`
	AcquireTimeout    Duration `yaml:"acquireTimeout"`
	PostTimeout       Duration `yaml:"postTimeout"`
	ShutdownTimeout   Duration `yaml:"shutdownTimeout"`
	SnapshotCacheSize int      `yaml:"snapshotCacheSize"`

	Executor ExecutorConfig  `yaml:"executor"`
	Journal  JournalConfig   `yaml:"journal"`
	Archive  ArchiveConfig   `yaml:"archive"`
	Agents   []pool.Agent    `yaml:"agents"`
	Log      logging.Options `yaml:"log"`
}

type ExecutorConfig struct {
	Shell            string   `yaml:"shell"`
	ContainerRuntime string   `yaml:"containerRuntime"`
	StepTimeout      Duration `yaml:"stepTimeout"`
	KillGrace        Duration `yaml:"killGrace"`
	WorkspaceDir     string   `yaml:"workspaceDir"`
	// CredentialPrefix selects the environment variables credentials are
	// read from: credential "TOKEN" is $<prefix>TOKEN.
	CredentialPrefix string `yaml:"credentialPrefix"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	// KeyFile holds the ed25519 signing key; created when missing.
	KeyFile string `yaml:"keyFile"`
}

type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Secure    bool   `yaml:"secure"`
}

// Default returns the configuration used when no file is given: one local
// agent and everything below ./data.
func Default() *Config {
	return &Config{
		Listen:            ":8080",
		DataDir:           "data",
		MaxConcurrentRuns: 4,
		AcquireTimeout:    Duration(10 * time.Minute),
		PostTimeout:       Duration(5 * time.Minute),
		ShutdownTimeout:   Duration(30 * time.Second),
		SnapshotCacheSize: 256,
		Executor: ExecutorConfig{
			Shell:            "sh",
			ContainerRuntime: "docker",
			StepTimeout:      Duration(time.Hour),
			KillGrace:        Duration(5 * time.Second),
			CredentialPrefix: "STAGERUN_CREDENTIAL_",
		},
		Journal: JournalConfig{Enabled: true},
		Archive: ArchiveConfig{Bucket: "stagerun-runs"},
		Agents: []pool.Agent{
			{ID: "local", Labels: []string{"local", "linux"}, Capacity: 2},
		},
		Log: logging.Options{Level: "info", Format: "text", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, errors.Wrapf(err, "parse %s", path)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.fillPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from STAGERUN_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	var err error
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok && err == nil {
			if *dst, err = strconv.Atoi(v); err != nil {
				err = errors.Wrap(err, EnvPrefix+name)
			}
		}
	}
	dur := func(name string, dst *Duration) {
		if v, ok := lookup(EnvPrefix + name); ok && err == nil {
			d, perr := time.ParseDuration(v)
			if perr != nil {
				err = errors.Wrap(perr, EnvPrefix+name)
				return
			}
			*dst = Duration(d)
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok && err == nil {
			if *dst, err = strconv.ParseBool(v); err != nil {
				err = errors.Wrap(err, EnvPrefix+name)
			}
		}
	}

	str("LISTEN", &c.Listen)
	str("DATA_DIR", &c.DataDir)
	str("PIPELINES_DIR", &c.PipelinesDir)
	num("MAX_CONCURRENT_RUNS", &c.MaxConcurrentRuns)
	dur("ACQUIRE_TIMEOUT", &c.AcquireTimeout)
	dur("POST_TIMEOUT", &c.PostTimeout)
	str("SHELL", &c.Executor.Shell)
	str("CONTAINER_RUNTIME", &c.Executor.ContainerRuntime)
	dur("STEP_TIMEOUT", &c.Executor.StepTimeout)
	str("WORKSPACE_DIR", &c.Executor.WorkspaceDir)
	flag("JOURNAL_ENABLED", &c.Journal.Enabled)
	str("JOURNAL_KEY_FILE", &c.Journal.KeyFile)
	flag("ARCHIVE_ENABLED", &c.Archive.Enabled)
	str("ARCHIVE_ENDPOINT", &c.Archive.Endpoint)
	str("ARCHIVE_ACCESS_KEY", &c.Archive.AccessKey)
	str("ARCHIVE_SECRET_KEY", &c.Archive.SecretKey)
	str("ARCHIVE_BUCKET", &c.Archive.Bucket)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_FILE", &c.Log.File)
	return err
}

func (c *Config) fillPaths() {
	if c.Journal.Path == "" {
		c.Journal.Path = filepath.Join(c.DataDir, "journal.jsonl")
	}
	if c.Executor.WorkspaceDir == "" {
		c.Executor.WorkspaceDir = filepath.Join(c.DataDir, "workspace")
	}
}

// LogDir is where stage logs are written.
func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var issues []string
	if c.Listen == "" {
		issues = append(issues, "listen address is empty")
	}
	if c.DataDir == "" {
		issues = append(issues, "dataDir is empty")
	}
	if c.MaxConcurrentRuns < 0 {
		issues = append(issues, "maxConcurrentRuns must not be negative")
	}
	if c.Executor.Shell == "" {
		issues = append(issues, "executor.shell is empty")
	}
	if c.Executor.KillGrace.Std() <= 0 {
		issues = append(issues, "executor.killGrace must be positive")
	}
	seen := map[string]bool{}
	for i, a := range c.Agents {
		if a.ID == "" {
			issues = append(issues, "agents["+strconv.Itoa(i)+"] has no id")
		} else if seen[a.ID] {
			issues = append(issues, "agent "+a.ID+" listed twice")
		}
		seen[a.ID] = true
		if a.Capacity < 0 {
			issues = append(issues, "agent "+a.ID+": capacity must not be negative")
		}
	}
	if c.Archive.Enabled && (c.Archive.Endpoint == "" || c.Archive.Bucket == "") {
		issues = append(issues, "archive needs endpoint and bucket")
	}
	if len(issues) > 0 {
		return errors.New("invalid config: " + strings.Join(issues, "; "))
	}
	return nil
}
