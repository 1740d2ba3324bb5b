package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"icalsynchub/internal/fileutil"
)

// EnvPrefix prefixes environment variables that override file settings,
// e.g. ICALSYNC_SYNC_INTERVAL=0.
const EnvPrefix = "ICALSYNC_"

// ErrNotFound is returned by Load when the config file does not exist.
var ErrNotFound = errors.New("config: file not found")

// BasicAuthConfig holds HTTP Basic Auth credentials for the management API.
type BasicAuthConfig struct {
	Username string `koanf:"username" yaml:"username"`
	Password string `koanf:"password" yaml:"password"`
}

// Config is the top-level application configuration. Durations are in
// seconds. Relative paths are resolved against the config file directory.
type Config struct {
	// OutputPath is the directory holding the merged calendar and the
	// per-token links.
	OutputPath string `koanf:"output_path" yaml:"output_path"`
	// Filename of the merged calendar inside OutputPath. When empty a random
	// name is generated on the first sync and written back to the file.
	Filename string `koanf:"filename" yaml:"filename"`
	// Domain is the public base URL used to build share links.
	Domain       string `koanf:"domain" yaml:"domain"`
	CalendarName string `koanf:"calendar_name" yaml:"calendar_name"`

	SourcesFile string `koanf:"sources_file" yaml:"sources_file"`
	TokensFile  string `koanf:"tokens_file" yaml:"tokens_file"`

	// SyncInterval is the pause between cycles. Zero runs a single cycle.
	SyncInterval int `koanf:"sync_interval" yaml:"sync_interval"`
	// SyncCron, if set, is a standard 5-field cron expression that replaces
	// SyncInterval for scheduling.
	SyncCron     string `koanf:"sync_cron" yaml:"sync_cron"`
	WatchSources bool   `koanf:"watch_sources" yaml:"watch_sources"`

	Retries  int    `koanf:"retries" yaml:"retries"`
	Delay    int    `koanf:"delay" yaml:"delay"`
	Timeout  int    `koanf:"timeout" yaml:"timeout"`
	CacheDir string `koanf:"cache_dir" yaml:"cache_dir"`

	ShowDetails  bool `koanf:"show_details" yaml:"show_details"`
	FilterByDate bool `koanf:"filter_by_date" yaml:"filter_by_date"`
	PastDays     int  `koanf:"past_days" yaml:"past_days"`
	FutureMonths int  `koanf:"future_months" yaml:"future_months"`

	// ViewerTemplate is an optional html/template file rendered to
	// {token}.html next to each token link.
	ViewerTemplate string `koanf:"viewer_template" yaml:"viewer_template"`

	// Listen is the HTTP listen address of the management API. Empty
	// disables the server in "run".
	Listen    string          `koanf:"listen" yaml:"listen"`
	BasicAuth BasicAuthConfig `koanf:"basic_auth" yaml:"basic_auth"`

	LogLevel  string `koanf:"log_level" yaml:"log_level"`
	LogFormat string `koanf:"log_format" yaml:"log_format"`
	LogFile   string `koanf:"log_file" yaml:"log_file"`

	baseDir string
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		OutputPath:   "/var/www/html/",
		SourcesFile:  "calendar_urls.txt",
		TokensFile:   "user_tokens.txt",
		SyncInterval: 3600,
		Retries:      3,
		Delay:        5,
		Timeout:      10,
		ShowDetails:  true,
		PastDays:     30,
		FutureMonths: 12,
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// Normalize clamps out-of-range values so that partially-filled or
// hand-edited configs still behave correctly.
func (c *Config) Normalize() {
	if c.OutputPath == "" {
		c.OutputPath = "."
	}
	if c.SourcesFile == "" {
		c.SourcesFile = "calendar_urls.txt"
	}
	if c.TokensFile == "" {
		c.TokensFile = "user_tokens.txt"
	}
	if c.SyncInterval < 0 {
		c.SyncInterval = 0
	}
	// At least one attempt per source.
	if c.Retries < 1 {
		c.Retries = 1
	}
	if c.Delay < 0 {
		c.Delay = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = 10
	}
	if c.PastDays < 0 {
		c.PastDays = 0
	}
	if c.FutureMonths < 0 {
		c.FutureMonths = 0
	}
	c.Filename = strings.TrimLeft(strings.TrimSpace(c.Filename), "/")
	c.Domain = strings.TrimRight(strings.TrimSpace(c.Domain), "/")
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// BasicAuthEnabled reports whether both credentials are set.
func (c *Config) BasicAuthEnabled() bool {
	return c.BasicAuth.Username != "" && c.BasicAuth.Password != ""
}

// Resolve makes p absolute relative to the config file directory.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.baseDir == "" {
		return p
	}
	return filepath.Join(c.baseDir, p)
}

// PublishDir is the resolved directory for the merged file and token links.
func (c *Config) PublishDir() string {
	return c.Resolve(c.OutputPath)
}

// OutputFile is the resolved merged calendar path, or "" when no filename
// has been chosen yet.
func (c *Config) OutputFile() string {
	if c.Filename == "" {
		return ""
	}
	return filepath.Join(c.PublishDir(), c.Filename)
}

// ShareURL is the public URL of a token link, or "" without a domain.
func (c *Config) ShareURL(token string) string {
	if c.Domain == "" {
		return ""
	}
	return c.Domain + "/" + token + ".ics"
}

// Load reads configuration from the YAML file at path, layered as
// defaults -> file -> ICALSYNC_* environment.
//
// A missing file is an error (ErrNotFound); a file without some keys is
// fine, every key has a default.
func Load(path string) (*Config, error) {
	return load(path, os.Environ)
}

func load(path string, environ func() []string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	err := k.Load(env.Provider(".", env.Opt{
		Prefix:      EnvPrefix,
		EnvironFunc: environ,
		TransformFunc: func(k, v string) (string, any) {
			k = strings.ToLower(strings.TrimPrefix(k, EnvPrefix))
			// Only basic_auth is nested; everything else is a flat key.
			if rest, ok := strings.CutPrefix(k, "basic_auth_"); ok {
				k = "basic_auth." + rest
			}
			return k, v
		},
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Normalize()

	if abs, err := filepath.Abs(path); err == nil {
		cfg.baseDir = filepath.Dir(abs)
	} else {
		cfg.baseDir = filepath.Dir(path)
	}
	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Final file permissions are 0600 (the file may carry credentials).
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(path, data, 0o600)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

// SetValue sets one top-level key in the YAML file at path, keeping every
// other key, comment and ordering as they are.
func SetValue(path, key, value string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var doc yamlv3.Node
	if err := yamlv3.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	if doc.Kind == 0 {
		doc = yamlv3.Node{Kind: yamlv3.DocumentNode}
	}
	if len(doc.Content) == 0 {
		doc.Content = append(doc.Content, &yamlv3.Node{Kind: yamlv3.MappingNode, Tag: "!!map"})
	}
	root := doc.Content[0]
	if root.Kind != yamlv3.MappingNode {
		return fmt.Errorf("config: %s: top level is not a mapping", path)
	}

	found := false
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == key {
			root.Content[i+1] = &yamlv3.Node{Kind: yamlv3.ScalarNode, Tag: "!!str", Value: value}
			found = true
			break
		}
	}
	if !found {
		root.Content = append(root.Content,
			&yamlv3.Node{Kind: yamlv3.ScalarNode, Tag: "!!str", Value: key},
			&yamlv3.Node{Kind: yamlv3.ScalarNode, Tag: "!!str", Value: value},
		)
	}

	out, err := yamlv3.Marshal(&doc)
	if err != nil {
		return err
	}

	perm := os.FileMode(0o600)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}
	return fileutil.WriteFileAtomic(path, out, perm)
}
