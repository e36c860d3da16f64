package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the on-disk YAML configuration. Zero values leave the defaults in place.
type File struct {
	LogLevel        string        `yaml:"log_level"`
	LogPretty       *bool         `yaml:"log_pretty"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
	LockDir         string        `yaml:"lock_dir"`
	StateFile       string        `yaml:"state_file"`
	MetricsTextfile string        `yaml:"metrics_textfile"`
	HealthzPort     int           `yaml:"healthz_port"`
	MetricsPort     int           `yaml:"metrics_port"`
	WatchInterval   time.Duration `yaml:"watch_interval"`
	DockerHost      string        `yaml:"docker_host"`
	HostName        string        `yaml:"hostname"`
	BackupDir       string        `yaml:"backup_dir"`
	KeepBackups     *int          `yaml:"keep_backups"`
	Notify          FileNotify    `yaml:"notify"`
	Provision       FileProvision `yaml:"provision"`
	Update          FileUpdate    `yaml:"update"`
}

// FileNotify is the notify section of the YAML configuration.
type FileNotify struct {
	DryRun          *bool  `yaml:"dry_run"`
	SlackWebhookURL string `yaml:"slack_webhook_url"`
	WebhookURL      string `yaml:"webhook_url"`
	WebhookTemplate string `yaml:"webhook_template"`
}

// FileProvision is the provision section of the YAML configuration.
type FileProvision struct {
	DevicePattern         string        `yaml:"device_pattern"`
	MountPoint            string        `yaml:"mount_point"`
	DataRoot              string        `yaml:"data_root"`
	FSType                string        `yaml:"fs_type"`
	Label                 string        `yaml:"fs_label"`
	MountOptions          string        `yaml:"mount_options"`
	StorageDriver         string        `yaml:"storage_driver"`
	FstabPath             string        `yaml:"fstab_path"`
	DaemonConfigPath      string        `yaml:"daemon_config"`
	ConfirmToken          string        `yaml:"confirm_token"`
	PartitionWaitAttempts int           `yaml:"partition_wait_attempts"`
	PartitionWaitInterval time.Duration `yaml:"partition_wait_interval"`
	RestartCommand        *[]string     `yaml:"runtime_restart_command"`
}

// FileUpdate is the update section of the YAML configuration.
type FileUpdate struct {
	DeployDir      string        `yaml:"deploy_dir"`
	RepoURL        string        `yaml:"repo_url"`
	Branch         string        `yaml:"branch"`
	Remote         string        `yaml:"remote"`
	Project        string        `yaml:"compose_project"`
	ComposeFiles   []string      `yaml:"compose_files"`
	HealthSettle   time.Duration `yaml:"health_settle"`
	HealthTimeout  time.Duration `yaml:"health_timeout"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

// LoadFile reads and validates a YAML configuration file. Unknown keys are rejected.
func LoadFile(path string) (File, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config file: %w", err)
	}
	return ParseFile(body)
}

// ParseFile decodes a YAML configuration document. An empty document is valid.
func ParseFile(body []byte) (File, error) {
	var file File
	dec := yaml.NewDecoder(bytes.NewReader(body))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("parse config file: %w", err)
	}
	if err := file.validate(); err != nil {
		return File{}, err
	}
	return file, nil
}

func (f File) validate() error {
	if f.CommandTimeout < 0 || f.WatchInterval < 0 {
		return errors.New("command_timeout and watch_interval cannot be negative")
	}
	if f.KeepBackups != nil && *f.KeepBackups < 0 {
		return errors.New("keep_backups cannot be negative")
	}
	if f.Provision.PartitionWaitAttempts < 0 || f.Provision.PartitionWaitInterval < 0 {
		return errors.New("provision partition wait settings cannot be negative")
	}
	if f.Update.HealthSettle < 0 || f.Update.HealthTimeout < 0 || f.Update.HealthInterval < 0 {
		return errors.New("update health durations cannot be negative")
	}
	if err := validatePort(f.HealthzPort, "healthz_port"); err != nil {
		return err
	}
	return validatePort(f.MetricsPort, "metrics_port")
}

func (f File) apply(cfg *Config) {
	setString(&cfg.LogLevel, f.LogLevel)
	setString(&cfg.LockDir, f.LockDir)
	setString(&cfg.StateFile, f.StateFile)
	setString(&cfg.MetricsTextfile, f.MetricsTextfile)
	setString(&cfg.DockerHost, f.DockerHost)
	setString(&cfg.HostName, f.HostName)
	setDuration(&cfg.CommandTimeout, f.CommandTimeout)
	setDuration(&cfg.WatchInterval, f.WatchInterval)
	setInt(&cfg.HealthzPort, f.HealthzPort)
	setInt(&cfg.MetricsPort, f.MetricsPort)
	if f.LogPretty != nil {
		cfg.LogPretty = *f.LogPretty
	}
	if f.BackupDir != "" {
		cfg.Provision.BackupDir = f.BackupDir
		cfg.Update.BackupDir = f.BackupDir
	}
	if f.KeepBackups != nil {
		cfg.Provision.KeepBackups = *f.KeepBackups
		cfg.Update.KeepSnapshots = *f.KeepBackups
	}

	if f.Notify.DryRun != nil {
		cfg.Notify.DryRun = *f.Notify.DryRun
	}
	setString(&cfg.Notify.SlackWebhookURL, f.Notify.SlackWebhookURL)
	setString(&cfg.Notify.WebhookURL, f.Notify.WebhookURL)
	setString(&cfg.Notify.WebhookTemplate, f.Notify.WebhookTemplate)

	p := f.Provision
	setString(&cfg.Provision.DevicePattern, p.DevicePattern)
	setString(&cfg.Provision.MountPoint, p.MountPoint)
	setString(&cfg.Provision.DataRoot, p.DataRoot)
	setString(&cfg.Provision.FSType, p.FSType)
	setString(&cfg.Provision.Label, p.Label)
	setString(&cfg.Provision.MountOptions, p.MountOptions)
	setString(&cfg.Provision.StorageDriver, p.StorageDriver)
	setString(&cfg.Provision.FstabPath, p.FstabPath)
	setString(&cfg.Provision.DaemonConfigPath, p.DaemonConfigPath)
	setString(&cfg.Provision.ConfirmToken, p.ConfirmToken)
	setInt(&cfg.Provision.PartitionWaitAttempts, p.PartitionWaitAttempts)
	setDuration(&cfg.Provision.PartitionWaitInterval, p.PartitionWaitInterval)
	if p.RestartCommand != nil {
		cfg.Provision.RestartCommand = *p.RestartCommand
	}

	u := f.Update
	setString(&cfg.Update.DeployDir, u.DeployDir)
	setString(&cfg.Update.RepoURL, u.RepoURL)
	setString(&cfg.Update.Branch, u.Branch)
	setString(&cfg.Update.Remote, u.Remote)
	setString(&cfg.Update.Project, u.Project)
	if len(u.ComposeFiles) > 0 {
		cfg.Update.ComposeFiles = u.ComposeFiles
	}
	setDuration(&cfg.Update.HealthSettle, u.HealthSettle)
	setDuration(&cfg.Update.HealthTimeout, u.HealthTimeout)
	setDuration(&cfg.Update.HealthInterval, u.HealthInterval)
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setInt(dst *int, value int) {
	if value != 0 {
		*dst = value
	}
}

func setDuration(dst *time.Duration, value time.Duration) {
	if value != 0 {
		*dst = value
	}
}
