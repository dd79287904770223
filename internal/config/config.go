package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Remote store types
const (
	RemoteSalesforce = "salesforce"
	RemoteSQLite     = "sqlite"
)

// Archive backends
const (
	ArchiveNone       = ""
	ArchiveFilesystem = "filesystem"
	ArchiveS3         = "s3"
)

// Job isolation modes
const (
	IsolationProcess = "process"
	IsolationInline  = "inline"
)

// Defaults
const (
	DefaultTickSize         = 3000
	DefaultRateLimitBackoff = time.Hour
	DefaultCleanupRetries   = 5
	DefaultCleanupDelay     = 2 * time.Second
	DefaultQueryChunkSize   = 200
	DefaultMaxConcurrent    = 4
	DefaultDebounce         = 5 * time.Second
	DefaultAgentName        = "metasyncd"
	DefaultAgentEmail       = "metasyncd@localhost"
)

// Config represents the complete metasyncd configuration
type Config struct {
	Remote       RemoteConfig       `yaml:"remote" toml:"remote"`
	Paths        PathsConfig        `yaml:"paths" toml:"paths"`
	Sync         SyncConfig         `yaml:"sync" toml:"sync"`
	Agent        AgentConfig        `yaml:"agent" toml:"agent"`
	Auth         AuthConfig         `yaml:"auth" toml:"auth"`
	Toolchain    ToolchainConfig    `yaml:"toolchain" toml:"toolchain"`
	Repositories []RepositoryConfig `yaml:"repositories" toml:"repositories"`
	Serve        ServeConfig        `yaml:"serve" toml:"serve"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
	Archive      ArchiveConfig      `yaml:"archive" toml:"archive"`
}

// RemoteConfig selects and configures the remote record store.
// The Type field determines which other fields are relevant.
type RemoteConfig struct {
	Type        string `yaml:"type" toml:"type"` // "salesforce" or "sqlite"
	InstanceURL string `yaml:"instance_url" toml:"instance_url"`
	APIVersion  string `yaml:"api_version" toml:"api_version"`
	TokenFile   string `yaml:"token_file" toml:"token_file"`
	SQLitePath  string `yaml:"sqlite_path" toml:"sqlite_path"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	WorkDir  string `yaml:"work_dir" toml:"work_dir"`
	StateDir string `yaml:"state_dir" toml:"state_dir"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	TickSize         int           `yaml:"tick_size" toml:"tick_size"`
	RateLimitBackoff time.Duration `yaml:"rate_limit_backoff" toml:"rate_limit_backoff"`
	CleanupRetries   int           `yaml:"cleanup_retries" toml:"cleanup_retries"`
	CleanupDelay     time.Duration `yaml:"cleanup_delay" toml:"cleanup_delay"`
	QueryChunkSize   int           `yaml:"query_chunk_size" toml:"query_chunk_size"`
	ChunkSize        int           `yaml:"chunk_size" toml:"chunk_size"`
}

// AgentConfig is the identity used for commits written back to git.
type AgentConfig struct {
	Name  string `yaml:"name" toml:"name"`
	Email string `yaml:"email" toml:"email"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file" toml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file" toml:"https_token_file"`
}

// ToolchainConfig configures the source format converter. An empty binary
// disables conversion; only MDAPI layout repositories can then be synced.
type ToolchainConfig struct {
	Binary string `yaml:"binary" toml:"binary"`
}

// RepositoryConfig is one synchronized (repository, branch) pair.
type RepositoryConfig struct {
	Name         string `yaml:"name" toml:"name"`
	URL          string `yaml:"url" toml:"url"`
	Branch       string `yaml:"branch" toml:"branch"`
	RepositoryID string `yaml:"repository_id" toml:"repository_id"`
	BranchID     string `yaml:"branch_id" toml:"branch_id"`
	Connection   string `yaml:"connection" toml:"connection"`
	// Subdir is the metadata root inside an MDAPI layout repository.
	Subdir string `yaml:"subdir" toml:"subdir"`
	// LocalPath is a checkout watched for ref changes by "metasyncd watch".
	LocalPath string `yaml:"local_path" toml:"local_path"`
	Protected bool   `yaml:"protected" toml:"protected"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled                 bool          `yaml:"enabled" toml:"enabled"`
	ListenAddr              string        `yaml:"listen_addr" toml:"listen_addr"`
	GitHubWebhookSecretFile string        `yaml:"github_webhook_secret_file" toml:"github_webhook_secret_file"`
	AllowedEventTypes       []string      `yaml:"allowed_event_types" toml:"allowed_event_types"`
	MaxConcurrent           int           `yaml:"max_concurrent" toml:"max_concurrent"`
	Isolation               string        `yaml:"isolation" toml:"isolation"` // "process" or "inline"
	Debounce                time.Duration `yaml:"debounce" toml:"debounce"`
}

// LoggingConfig configures log output
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"` // "text" or "json", empty picks by terminal
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	StreamURL  string `yaml:"stream_url" toml:"stream_url"`
	// RemoteLog forwards run progress to the remote store's log records.
	RemoteLog bool `yaml:"remote_log" toml:"remote_log"`
}

// ArchiveConfig configures where run artifacts are kept.
// The Type field determines which other fields are relevant.
type ArchiveConfig struct {
	Type              string `yaml:"type" toml:"type"` // "", "filesystem" or "s3"
	Root              string `yaml:"root" toml:"root"`
	S3Bucket          string `yaml:"s3_bucket" toml:"s3_bucket"`
	S3Prefix          string `yaml:"s3_prefix" toml:"s3_prefix"`
	S3Region          string `yaml:"s3_region" toml:"s3_region"`
	AgeRecipientsFile string `yaml:"age_recipients_file" toml:"age_recipients_file"`
}

// Load reads and parses the configuration file. The format is picked by
// extension: .toml is TOML, anything else YAML.
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.expandEnv()

	if err := cfg.applyOverrides(); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all path and URL fields
func (c *Config) expandEnv() {
	c.Remote.InstanceURL = os.ExpandEnv(c.Remote.InstanceURL)
	c.Remote.TokenFile = os.ExpandEnv(c.Remote.TokenFile)
	c.Remote.SQLitePath = os.ExpandEnv(c.Remote.SQLitePath)
	c.Paths.WorkDir = os.ExpandEnv(c.Paths.WorkDir)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Toolchain.Binary = os.ExpandEnv(c.Toolchain.Binary)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
	c.Logging.File = os.ExpandEnv(c.Logging.File)
	c.Logging.StreamURL = os.ExpandEnv(c.Logging.StreamURL)
	c.Archive.Root = os.ExpandEnv(c.Archive.Root)
	c.Archive.AgeRecipientsFile = os.ExpandEnv(c.Archive.AgeRecipientsFile)
	for i := range c.Repositories {
		r := &c.Repositories[i]
		r.URL = os.ExpandEnv(r.URL)
		r.Subdir = os.ExpandEnv(r.Subdir)
		r.LocalPath = os.ExpandEnv(r.LocalPath)
	}
}

// applyOverrides reads METASYNCD_* environment variables, e.g.
// METASYNCD_SYNC_TICK_SIZE=500 overrides sync.tick_size.
func (c *Config) applyOverrides() error {
	v := viper.New()
	v.SetEnvPrefix("metasyncd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	keys := []string{
		"sync.tick_size",
		"sync.rate_limit_backoff",
		"sync.cleanup_retries",
		"sync.cleanup_delay",
		"sync.query_chunk_size",
		"sync.chunk_size",
		"remote.instance_url",
		"remote.token_file",
		"remote.sqlite_path",
		"logging.level",
		"logging.format",
		"logging.stream_url",
		"serve.max_concurrent",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return err
		}
	}

	var err error
	setInt := func(key string, dst *int) {
		if err != nil || !v.IsSet(key) {
			return
		}
		n, e := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
		if e != nil {
			err = fmt.Errorf("%s: %w", key, e)
			return
		}
		*dst = n
	}
	setDuration := func(key string, dst *time.Duration) {
		if err != nil || !v.IsSet(key) {
			return
		}
		d, e := time.ParseDuration(v.GetString(key))
		if e != nil {
			err = fmt.Errorf("%s: %w", key, e)
			return
		}
		*dst = d
	}
	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}

	setInt("sync.tick_size", &c.Sync.TickSize)
	setDuration("sync.rate_limit_backoff", &c.Sync.RateLimitBackoff)
	setInt("sync.cleanup_retries", &c.Sync.CleanupRetries)
	setDuration("sync.cleanup_delay", &c.Sync.CleanupDelay)
	setInt("sync.query_chunk_size", &c.Sync.QueryChunkSize)
	setInt("sync.chunk_size", &c.Sync.ChunkSize)
	setInt("serve.max_concurrent", &c.Serve.MaxConcurrent)
	setString("remote.instance_url", &c.Remote.InstanceURL)
	setString("remote.token_file", &c.Remote.TokenFile)
	setString("remote.sqlite_path", &c.Remote.SQLitePath)
	setString("logging.level", &c.Logging.Level)
	setString("logging.format", &c.Logging.Format)
	setString("logging.stream_url", &c.Logging.StreamURL)
	return err
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Remote.Type == "" {
		c.Remote.Type = RemoteSalesforce
	}
	if c.Sync.TickSize <= 0 {
		c.Sync.TickSize = DefaultTickSize
	}
	if c.Sync.RateLimitBackoff <= 0 {
		c.Sync.RateLimitBackoff = DefaultRateLimitBackoff
	}
	if c.Sync.CleanupRetries <= 0 {
		c.Sync.CleanupRetries = DefaultCleanupRetries
	}
	if c.Sync.CleanupDelay <= 0 {
		c.Sync.CleanupDelay = DefaultCleanupDelay
	}
	if c.Sync.QueryChunkSize <= 0 {
		c.Sync.QueryChunkSize = DefaultQueryChunkSize
	}
	if c.Agent.Name == "" {
		c.Agent.Name = DefaultAgentName
	}
	if c.Agent.Email == "" {
		c.Agent.Email = DefaultAgentEmail
	}
	if c.Serve.MaxConcurrent <= 0 {
		c.Serve.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Serve.Isolation == "" {
		c.Serve.Isolation = IsolationProcess
	}
	if c.Serve.Debounce <= 0 {
		c.Serve.Debounce = DefaultDebounce
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	for i := range c.Repositories {
		r := &c.Repositories[i]
		if r.RepositoryID == "" {
			r.RepositoryID = r.Name
		}
		if r.BranchID == "" {
			r.BranchID = r.Name + "/" + r.Branch
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	switch c.Remote.Type {
	case RemoteSalesforce:
		if c.Remote.InstanceURL == "" {
			return fmt.Errorf("remote.instance_url is required for remote type %s", RemoteSalesforce)
		}
		if c.Remote.TokenFile == "" {
			return fmt.Errorf("remote.token_file is required for remote type %s", RemoteSalesforce)
		}
	case RemoteSQLite:
		if c.Remote.SQLitePath == "" {
			return fmt.Errorf("remote.sqlite_path is required for remote type %s", RemoteSQLite)
		}
	default:
		return fmt.Errorf("invalid remote.type: %s (must be salesforce or sqlite)", c.Remote.Type)
	}

	if c.Paths.WorkDir == "" {
		return fmt.Errorf("paths.work_dir is required")
	}
	if !filepath.IsAbs(c.Paths.WorkDir) {
		return fmt.Errorf("paths.work_dir must be an absolute path: %s", c.Paths.WorkDir)
	}
	if c.Paths.StateDir != "" && !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	if len(c.Repositories) == 0 {
		return fmt.Errorf("at least one repository is required")
	}
	seen := make(map[string]bool)
	for i, r := range c.Repositories {
		if r.Name == "" {
			return fmt.Errorf("repositories[%d].name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate repository name: %s", r.Name)
		}
		seen[r.Name] = true
		if r.URL == "" {
			return fmt.Errorf("repositories[%d].url is required", i)
		}
		if r.Branch == "" {
			return fmt.Errorf("repositories[%d].branch is required", i)
		}
		if c.Auth.SSHKeyFile != "" && !IsSSH(r.URL) {
			return fmt.Errorf("auth.ssh_key_file is set but repository %s does not use an SSH url (git@ or ssh://)", r.Name)
		}
		if c.Auth.HTTPSTokenFile != "" && !IsHTTPS(r.URL) {
			return fmt.Errorf("auth.https_token_file is set but repository %s does not use an HTTPS url", r.Name)
		}
		if r.Subdir != "" && (filepath.IsAbs(r.Subdir) || strings.HasPrefix(filepath.Clean(r.Subdir), "..")) {
			return fmt.Errorf("repositories[%d].subdir must be a relative path inside the repository: %s", i, r.Subdir)
		}
		if r.LocalPath != "" && !filepath.IsAbs(r.LocalPath) {
			return fmt.Errorf("repositories[%d].local_path must be an absolute path: %s", i, r.LocalPath)
		}
	}

	switch c.Serve.Isolation {
	case IsolationProcess, IsolationInline:
	default:
		return fmt.Errorf("invalid serve.isolation: %s (must be process or inline)", c.Serve.Isolation)
	}
	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
		}
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid logging.format: %s (must be text or json)", c.Logging.Format)
	}

	switch c.Archive.Type {
	case ArchiveNone:
	case ArchiveFilesystem:
		if c.Archive.Root == "" {
			return fmt.Errorf("archive.root is required for archive type filesystem")
		}
	case ArchiveS3:
		if c.Archive.S3Bucket == "" {
			return fmt.Errorf("archive.s3_bucket is required for archive type s3")
		}
	default:
		return fmt.Errorf("invalid archive.type: %s (must be filesystem or s3)", c.Archive.Type)
	}

	return nil
}

// Repository returns the repository configuration named name
func (c *Config) Repository(name string) (RepositoryConfig, bool) {
	for _, r := range c.Repositories {
		if r.Name == name {
			return r, true
		}
	}
	return RepositoryConfig{}, false
}

// RepositoryByURL finds a repository by clone URL and branch. URLs are
// compared without a trailing ".git".
func (c *Config) RepositoryByURL(url, branch string) (RepositoryConfig, bool) {
	norm := func(u string) string { return strings.TrimSuffix(strings.TrimSuffix(u, "/"), ".git") }
	for _, r := range c.Repositories {
		if norm(r.URL) == norm(url) && r.Branch == branch {
			return r, true
		}
	}
	return RepositoryConfig{}, false
}

// RunsDir returns the directory holding per-run working trees
func (c *Config) RunsDir() string {
	return filepath.Join(c.Paths.WorkDir, "runs")
}

// JobsDir returns the directory holding serialized job requests. Requests
// outlive a single run, so they live under the state dir when one is set.
func (c *Config) JobsDir() string {
	if c.Paths.StateDir != "" {
		return filepath.Join(c.Paths.StateDir, "jobs")
	}
	return filepath.Join(c.Paths.WorkDir, "jobs")
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if url uses HTTPS
func IsHTTPS(url string) bool {
	return strings.HasPrefix(url, "https://")
}

// IsSSH returns true if url uses SSH
func IsSSH(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}
