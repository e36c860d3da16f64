// Package config loads hostkeeper settings from defaults, an optional YAML file, a local
// .env file and HK_ environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/nholik/hostkeeper/internal/provision"
	"github.com/nholik/hostkeeper/internal/update"
)

const (
	envConfigFile      = "HK_CONFIG_FILE"
	envLogLevel        = "HK_LOG_LEVEL"
	envLogPretty       = "HK_LOG_PRETTY"
	envCommandTimeout  = "HK_COMMAND_TIMEOUT"
	envLockDir         = "HK_LOCK_DIR"
	envStateFile       = "HK_STATE_FILE"
	envMetricsTextfile = "HK_METRICS_TEXTFILE"
	envHealthzPort     = "HK_HEALTHZ_PORT"
	envMetricsPort     = "HK_METRICS_PORT"
	envWatchInterval   = "HK_WATCH_INTERVAL"
	envDockerHost      = "HK_DOCKER_HOST"
	envHostName        = "HK_HOSTNAME"
	envBackupDir       = "HK_BACKUP_DIR"
	envKeepBackups     = "HK_KEEP_BACKUPS"

	envNotifyDryRun    = "HK_NOTIFY_DRY_RUN"
	envSlackWebhookURL = "HK_SLACK_WEBHOOK_URL"
	envWebhookURL      = "HK_WEBHOOK_URL"
	envWebhookTemplate = "HK_WEBHOOK_TEMPLATE"

	envDevicePattern         = "HK_DEVICE_PATTERN"
	envMountPoint            = "HK_MOUNT_POINT"
	envDataRoot              = "HK_DATA_ROOT"
	envFSType                = "HK_FS_TYPE"
	envFSLabel               = "HK_FS_LABEL"
	envMountOptions          = "HK_MOUNT_OPTIONS"
	envStorageDriver         = "HK_STORAGE_DRIVER"
	envFstabPath             = "HK_FSTAB_PATH"
	envDaemonConfig          = "HK_DAEMON_CONFIG"
	envConfirmToken          = "HK_CONFIRM_TOKEN"
	envPartitionWaitAttempts = "HK_PARTITION_WAIT_ATTEMPTS"
	envPartitionWaitInterval = "HK_PARTITION_WAIT_INTERVAL"
	envRestartCommand        = "HK_RUNTIME_RESTART_COMMAND"

	envDeployDir      = "HK_DEPLOY_DIR"
	envRepoURL        = "HK_REPO_URL"
	envBranch         = "HK_BRANCH"
	envRemote         = "HK_REMOTE"
	envComposeProject = "HK_COMPOSE_PROJECT"
	envComposeFiles   = "HK_COMPOSE_FILES"
	envHealthSettle   = "HK_HEALTH_SETTLE"
	envHealthTimeout  = "HK_HEALTH_TIMEOUT"
	envHealthInterval = "HK_HEALTH_INTERVAL"
)

const (
	defaultLogLevel       = "info"
	defaultCommandTimeout = 10 * time.Minute
	defaultLockDir        = "/run/hostkeeper"
	defaultStateFile      = "/var/lib/hostkeeper/state.json"
	defaultWatchInterval  = 24 * time.Hour
)

// NotifyConfig selects where update reports are delivered.
type NotifyConfig struct {
	DryRun          bool
	SlackWebhookURL string
	WebhookURL      string
	WebhookTemplate string
}

// Config describes runtime configuration.
type Config struct {
	LogLevel        string
	LogPretty       bool
	CommandTimeout  time.Duration
	LockDir         string
	StateFile       string
	MetricsTextfile string
	HealthzPort     int
	MetricsPort     int
	WatchInterval   time.Duration
	DockerHost      string
	HostName        string
	Notify          NotifyConfig
	Provision       provision.Config
	Update          update.Config
}

// Default returns the built-in settings.
func Default() Config {
	host, _ := os.Hostname()
	return Config{
		LogLevel:       defaultLogLevel,
		CommandTimeout: defaultCommandTimeout,
		LockDir:        defaultLockDir,
		StateFile:      defaultStateFile,
		WatchInterval:  defaultWatchInterval,
		HostName:       host,
		Provision:      provision.DefaultConfig(),
		Update:         update.DefaultConfig(),
	}
}

// ProvisionLockPath is the advisory lock held by provisioning runs.
func (c Config) ProvisionLockPath() string {
	return filepath.Join(c.LockDir, "provision.lock")
}

// UpdateLockPath is the advisory lock held by update runs.
func (c Config) UpdateLockPath() string {
	return filepath.Join(c.LockDir, "update.lock")
}

// Load reads configuration from the YAML file named by HK_CONFIG_FILE, a local .env file
// if present and the environment. Existing environment variables take precedence over
// values in .env, and both take precedence over the file.
func Load() (Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return Config{}, err
	}

	cfg := Default()

	if path, ok := lookupNonEmpty(envConfigFile); ok {
		file, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		file.apply(&cfg)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings shared by every command. Engine-specific requirements such as
// the repository URL are checked when the engine is built.
func (c Config) Validate() error {
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("%s must be greater than zero", envCommandTimeout)
	}
	if c.WatchInterval <= 0 {
		return fmt.Errorf("%s must be greater than zero", envWatchInterval)
	}
	if c.LockDir == "" {
		return fmt.Errorf("%s is required", envLockDir)
	}
	if err := validatePort(c.HealthzPort, envHealthzPort); err != nil {
		return err
	}
	if err := validatePort(c.MetricsPort, envMetricsPort); err != nil {
		return err
	}
	if c.Provision.KeepBackups < 0 || c.Update.KeepSnapshots < 0 {
		return fmt.Errorf("%s cannot be negative", envKeepBackups)
	}
	if err := validateBackupDir(c.Update.BackupDir, c.Update.DeployDir); err != nil {
		return err
	}
	if c.Provision.PartitionWaitAttempts <= 0 {
		return fmt.Errorf("%s must be greater than zero", envPartitionWaitAttempts)
	}
	if c.Provision.ConfirmToken == "" {
		return fmt.Errorf("%s cannot be empty", envConfirmToken)
	}
	if c.Update.HealthSettle < 0 || c.Update.HealthTimeout < 0 {
		return fmt.Errorf("%s and %s cannot be negative", envHealthSettle, envHealthTimeout)
	}
	if c.Notify.SlackWebhookURL != "" {
		if err := validateURL(c.Notify.SlackWebhookURL, envSlackWebhookURL); err != nil {
			return err
		}
	}
	if c.Notify.WebhookURL != "" {
		if err := validateURL(c.Notify.WebhookURL, envWebhookURL); err != nil {
			return err
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		envLogLevel:        &cfg.LogLevel,
		envLockDir:         &cfg.LockDir,
		envStateFile:       &cfg.StateFile,
		envMetricsTextfile: &cfg.MetricsTextfile,
		envDockerHost:      &cfg.DockerHost,
		envHostName:        &cfg.HostName,
		envSlackWebhookURL: &cfg.Notify.SlackWebhookURL,
		envWebhookURL:      &cfg.Notify.WebhookURL,
		envWebhookTemplate: &cfg.Notify.WebhookTemplate,
		envDevicePattern:   &cfg.Provision.DevicePattern,
		envMountPoint:      &cfg.Provision.MountPoint,
		envDataRoot:        &cfg.Provision.DataRoot,
		envFSType:          &cfg.Provision.FSType,
		envFSLabel:         &cfg.Provision.Label,
		envMountOptions:    &cfg.Provision.MountOptions,
		envStorageDriver:   &cfg.Provision.StorageDriver,
		envFstabPath:       &cfg.Provision.FstabPath,
		envDaemonConfig:    &cfg.Provision.DaemonConfigPath,
		envConfirmToken:    &cfg.Provision.ConfirmToken,
		envDeployDir:       &cfg.Update.DeployDir,
		envRepoURL:         &cfg.Update.RepoURL,
		envBranch:          &cfg.Update.Branch,
		envRemote:          &cfg.Update.Remote,
		envComposeProject:  &cfg.Update.Project,
	}
	for key, dst := range strs {
		if value, ok := lookupNonEmpty(key); ok {
			*dst = value
		}
	}

	durations := map[string]*time.Duration{
		envCommandTimeout:        &cfg.CommandTimeout,
		envWatchInterval:         &cfg.WatchInterval,
		envPartitionWaitInterval: &cfg.Provision.PartitionWaitInterval,
		envHealthSettle:          &cfg.Update.HealthSettle,
		envHealthTimeout:         &cfg.Update.HealthTimeout,
		envHealthInterval:        &cfg.Update.HealthInterval,
	}
	for key, dst := range durations {
		value, ok := lookupNonEmpty(key)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = parsed
	}

	ints := map[string]*int{
		envHealthzPort:           &cfg.HealthzPort,
		envMetricsPort:           &cfg.MetricsPort,
		envPartitionWaitAttempts: &cfg.Provision.PartitionWaitAttempts,
	}
	for key, dst := range ints {
		value, ok := lookupNonEmpty(key)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = parsed
	}

	bools := map[string]*bool{
		envLogPretty:    &cfg.LogPretty,
		envNotifyDryRun: &cfg.Notify.DryRun,
	}
	for key, dst := range bools {
		value, ok := lookupNonEmpty(key)
		if !ok {
			continue
		}
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = parsed
	}

	if value, ok := lookupNonEmpty(envBackupDir); ok {
		cfg.Provision.BackupDir = value
		cfg.Update.BackupDir = value
	}
	if value, ok := lookupNonEmpty(envKeepBackups); ok {
		keep, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envKeepBackups, err)
		}
		cfg.Provision.KeepBackups = keep
		cfg.Update.KeepSnapshots = keep
	}
	if value, ok := lookupNonEmpty(envComposeFiles); ok {
		cfg.Update.ComposeFiles = splitList(value)
	}
	// An explicitly empty restart command disables the restart.
	if value, ok := lookupTrimmed(envRestartCommand); ok {
		cfg.Provision.RestartCommand = strings.Fields(value)
	}

	return nil
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func lookupNonEmpty(key string) (string, bool) {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}

	return err
}

func validateURL(value, name string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("invalid %s: scheme must be http or https", name)
	}
	if parsed.Host == "" {
		return fmt.Errorf("invalid %s: must include host", name)
	}
	return nil
}

// validateBackupDir rejects a backups root at or below the deployment directory.
func validateBackupDir(backupDir, deployDir string) error {
	if backupDir == "" || deployDir == "" {
		return nil
	}
	absBackup, err := filepath.Abs(backupDir)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", envBackupDir, err)
	}
	absDeploy, err := filepath.Abs(deployDir)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", envDeployDir, err)
	}
	rel, err := filepath.Rel(absDeploy, absBackup)
	if err != nil {
		return nil
	}
	if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
		return fmt.Errorf("%s must not be inside %s", envBackupDir, envDeployDir)
	}
	return nil
}

func validatePort(port int, name string) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s must be between 0 and 65535", name)
	}
	return nil
}
