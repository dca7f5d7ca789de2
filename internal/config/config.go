package config

import (
	"fmt"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LauncherConfig holds the daemon configuration.
type LauncherConfig struct {
	// Server settings
	ListenAddress string
	ListenPort    int
	Environment   string
	LogLevel      string

	// Icecast
	IcecastHost          string
	IcecastPort          int
	IcecastPassword      string
	IcecastAdmin         string
	IcecastAdminPassword string
	IcecastForbidStatus  bool

	// Source processes
	SourceRemoveDelay   time.Duration
	SourceStopTimeout   time.Duration
	RejectUnknownMounts bool

	// Metadata
	MetadataInterval     time.Duration
	MetadataMaxErrors    int
	MetadataFetchTimeout time.Duration
	MetadataStopOnIdle   bool
	LogDebugMetadata     bool

	// Status
	StatusRateLimit int

	// Timeouts
	ShutdownTimeout time.Duration

	// Mount file contents
	MountsFile    string
	AllowUsers    map[string]string
	Mounts        map[string]*MountConfig
	DynamicMounts []*MountConfig
}

// MountConfig describes how a mount's source is fed.
type MountConfig struct {
	Name          string    `yaml:"-"`
	Pattern       string    `yaml:"pattern,omitempty"`
	Input         string    `yaml:"input"`
	Command       []string  `yaml:"command,omitempty"`
	Meta          bool      `yaml:"meta"`
	MetaOnStartup bool      `yaml:"meta_on_startup"`
	SkipMeta      *SkipMeta `yaml:"skip_meta,omitempty"`

	// Dynamic is set on configs materialized from a dynamic rule.
	Dynamic bool `yaml:"-"`
}

// SkipMeta names a metadata key whose value marks filler content.
type SkipMeta struct {
	Key     string `yaml:"key"`
	Pattern string `yaml:"pattern"`
}

type mountFile struct {
	AllowUsers    map[string]string       `yaml:"allow_users"`
	Mounts        map[string]*MountConfig `yaml:"mounts"`
	DynamicMounts []*MountConfig          `yaml:"dynamic_mounts"`
}

// LoadLauncherConfig loads settings from environment variables and the
// mount file named by MOUNTS_FILE.
func LoadLauncherConfig() (*LauncherConfig, error) {
	cfg := &LauncherConfig{
		ListenAddress:        getEnv("LISTEN_ADDRESS", "127.0.0.1"),
		ListenPort:           getEnvInt("LISTEN_PORT", 9854),
		Environment:          getEnv("ENVIRONMENT", "development"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		IcecastHost:          getEnv("ICECAST_HOST", "localhost"),
		IcecastPort:          getEnvInt("ICECAST_PORT", 8000),
		IcecastPassword:      getEnv("ICECAST_PASSWORD", ""),
		IcecastAdmin:         getEnv("ICECAST_ADMIN", "admin"),
		IcecastAdminPassword: getEnv("ICECAST_ADMIN_PASSWORD", ""),
		IcecastForbidStatus:  getEnvBool("ICECAST_FORBID_STATUS", false),
		SourceRemoveDelay:    getEnvDuration("SOURCE_REMOVE_DELAY", 0),
		SourceStopTimeout:    getEnvDuration("SOURCE_STOP_TIMEOUT", 5*time.Second),
		RejectUnknownMounts:  getEnvBool("REJECT_UNKNOWN_MOUNTS", true),
		MetadataInterval:     getEnvDuration("METADATA_INTERVAL", 10*time.Second),
		MetadataMaxErrors:    getEnvInt("METADATA_MAX_ERRORS", 16),
		MetadataFetchTimeout: getEnvDuration("METADATA_FETCH_TIMEOUT", 60*time.Second),
		MetadataStopOnIdle:   getEnvBool("METADATA_STOP_ON_IDLE", false),
		LogDebugMetadata:     getEnvBool("LOG_DEBUG_METADATA", false),
		StatusRateLimit:      getEnvInt("STATUS_RATE_LIMIT", 30),
		ShutdownTimeout:      getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		MountsFile:           getEnv("MOUNTS_FILE", ""),
	}

	if cfg.MountsFile == "" {
		return nil, fmt.Errorf("MOUNTS_FILE is required")
	}
	if cfg.IcecastPassword == "" {
		return nil, fmt.Errorf("ICECAST_PASSWORD is required")
	}

	data, err := os.ReadFile(cfg.MountsFile)
	if err != nil {
		return nil, fmt.Errorf("read mounts file: %w", err)
	}
	if err := cfg.ParseMounts(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ParseMounts decodes a YAML mount file into cfg.
func (cfg *LauncherConfig) ParseMounts(data []byte) error {
	var f mountFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse mounts file: %w", err)
	}

	cfg.AllowUsers = f.AllowUsers
	cfg.Mounts = make(map[string]*MountConfig, len(f.Mounts))
	for name, mc := range f.Mounts {
		if mc == nil {
			mc = &MountConfig{}
		}
		name = strings.TrimLeft(name, "/")
		mc.Name = name
		cfg.Mounts[name] = mc
	}
	cfg.DynamicMounts = f.DynamicMounts
	return nil
}

// Validate checks the loaded settings for consistency.
func (cfg *LauncherConfig) Validate() error {
	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		return fmt.Errorf("invalid LISTEN_PORT %d", cfg.ListenPort)
	}
	if cfg.IcecastPort <= 0 || cfg.IcecastPort > 65535 {
		return fmt.Errorf("invalid ICECAST_PORT %d", cfg.IcecastPort)
	}
	if cfg.MetadataMaxErrors <= 0 {
		return fmt.Errorf("METADATA_MAX_ERRORS must be positive")
	}
	if cfg.MetadataInterval <= 0 {
		return fmt.Errorf("METADATA_INTERVAL must be positive")
	}
	if cfg.SourceRemoveDelay < 0 {
		return fmt.Errorf("SOURCE_REMOVE_DELAY must not be negative")
	}

	for name, mc := range cfg.Mounts {
		if err := mc.validate(); err != nil {
			return fmt.Errorf("mount %q: %w", name, err)
		}
	}
	for i, mc := range cfg.DynamicMounts {
		if mc == nil || mc.Pattern == "" {
			return fmt.Errorf("dynamic mount #%d: pattern is required", i)
		}
		if _, err := path.Match(mc.Pattern, ""); err != nil {
			return fmt.Errorf("dynamic mount %q: %w", mc.Pattern, err)
		}
		if err := mc.validate(); err != nil {
			return fmt.Errorf("dynamic mount %q: %w", mc.Pattern, err)
		}
	}
	return nil
}

func (mc *MountConfig) validate() error {
	if mc.Input == "" && len(mc.Command) == 0 {
		return fmt.Errorf("either input or command is required")
	}
	if mc.Meta && mc.Input == "" {
		return fmt.Errorf("meta requires an input stream")
	}
	if mc.SkipMeta != nil {
		if mc.SkipMeta.Key == "" {
			return fmt.Errorf("skip_meta.key is required")
		}
		if _, err := regexp.Compile(mc.SkipMeta.Pattern); err != nil {
			return fmt.Errorf("skip_meta.pattern: %w", err)
		}
	}
	return nil
}

// FindMountConfig resolves a mount name (without leading slash) to its
// configuration. Static mounts are returned as is; a match against a dynamic
// rule yields a new materialized copy. It returns nil for unknown mounts.
func (cfg *LauncherConfig) FindMountConfig(mount string) *MountConfig {
	if mc, ok := cfg.Mounts[mount]; ok {
		return mc
	}
	for _, rule := range cfg.DynamicMounts {
		ok, err := path.Match(rule.Pattern, mount)
		if err != nil || !ok {
			continue
		}
		return rule.materialize(mount)
	}
	return nil
}

func (mc *MountConfig) materialize(mount string) *MountConfig {
	r := strings.NewReplacer("{mount}", mount, "{name}", path.Base(mount))
	out := *mc
	out.Name = mount
	out.Pattern = ""
	out.Dynamic = true
	out.Input = r.Replace(mc.Input)
	if len(mc.Command) > 0 {
		out.Command = make([]string, len(mc.Command))
		for i, arg := range mc.Command {
			out.Command[i] = r.Replace(arg)
		}
	}
	if mc.SkipMeta != nil {
		skip := *mc.SkipMeta
		out.SkipMeta = &skip
	}
	return &out
}

// IcecastBaseURL returns the base URL of the icecast server.
func (cfg *LauncherConfig) IcecastBaseURL() string {
	return fmt.Sprintf("http://%s:%d", cfg.IcecastHost, cfg.IcecastPort)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
