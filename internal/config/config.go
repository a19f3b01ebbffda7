package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Submit modes.
const (
	SubmitNone    = "none"
	SubmitGit     = "git"
	SubmitArchive = "archive"
)

type Config struct {
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	MaxWorkers int `mapstructure:"max_workers"`
	QueueSize  int `mapstructure:"queue_size"`

	// Timezone is the IANA zone used for windows that carry no offset.
	Timezone string `mapstructure:"timezone"`

	CatalogDir      string `mapstructure:"catalog_dir"`
	AuditDir        string `mapstructure:"audit_dir"`
	AuditMaxSizeMB  int    `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int    `mapstructure:"audit_max_backups"`
	MetricsTextfile string `mapstructure:"metrics_textfile"`

	WebhookURL            string `mapstructure:"webhook_url"`
	WebhookTimeoutSeconds int    `mapstructure:"webhook_timeout_seconds"`
	WebhookMaxRetries     int    `mapstructure:"webhook_max_retries"`

	Submit  string        `mapstructure:"submit"`
	Git     GitConfig     `mapstructure:"git"`
	Archive ArchiveConfig `mapstructure:"archive"`
}

// GitConfig configures the git submitter.
type GitConfig struct {
	RepoPath    string `mapstructure:"repo_path"`
	BaseBranch  string `mapstructure:"base_branch"`
	Remote      string `mapstructure:"remote"`
	Push        bool   `mapstructure:"push"`
	SSHKeyFile  string `mapstructure:"ssh_key_file"`
	AuthorName  string `mapstructure:"author_name"`
	AuthorEmail string `mapstructure:"author_email"`
}

// ArchiveConfig configures the archive submitter.
type ArchiveConfig struct {
	Provider        string `mapstructure:"provider"` // "local" or "s3"
	Path            string `mapstructure:"path"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"` // S3-compatible stores
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
}

func Default() *Config {
	return &Config{
		LogLevel:              "info",
		LogFormat:             "text",
		LogMaxSizeMB:          20,
		LogMaxBackups:         3,
		MaxWorkers:            4,
		QueueSize:             64,
		AuditMaxSizeMB:        50,
		AuditMaxBackups:       3,
		WebhookTimeoutSeconds: 5,
		WebhookMaxRetries:     2,
		Submit:                SubmitNone,
		Git: GitConfig{
			BaseBranch:  "main",
			Remote:      "origin",
			AuthorName:  "AutoPatch",
			AuthorEmail: "autopatch@localhost",
		},
		Archive: ArchiveConfig{
			Provider: "local",
			Prefix:   "autopatch",
		},
	}
}

// Load reads the config file (explicit path, or autopatch.yaml from the
// config dir or the working directory) and AUTOPATCH_* environment
// overrides on top of Default. A missing config file is not an error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("autopatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("AUTOPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// bindEnv registers every key so AutomaticEnv overrides also apply to keys
// absent from the config file during Unmarshal.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"log_level", "log_format", "log_file", "log_max_size_mb", "log_max_backups",
		"max_workers", "queue_size", "timezone",
		"catalog_dir", "audit_dir", "audit_max_size_mb", "audit_max_backups", "metrics_textfile",
		"webhook_url", "webhook_timeout_seconds", "webhook_max_retries",
		"submit",
		"git.repo_path", "git.base_branch", "git.remote", "git.push", "git.ssh_key_file",
		"git.author_name", "git.author_email",
		"archive.provider", "archive.path", "archive.bucket", "archive.region", "archive.prefix",
		"archive.endpoint", "archive.access_key_id", "archive.secret_access_key", "archive.session_token",
	} {
		_ = v.BindEnv(key)
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "AutoPatch")
	case "darwin":
		return "/Library/Application Support/AutoPatch"
	default:
		return "/etc/autopatch"
	}
}
