// Package config loads the devkit service configuration.
//
// Configuration is read from a single YAML file named by the --config flag
// or the DEVKIT_CONFIG environment variable. Without a file the defaults
// below are used unchanged.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"devkitd/logger"
	"devkitd/manifest"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "DEVKIT_CONFIG"

type Config struct {
	// Listen is the HTTP address of the API, e.g. "127.0.0.1:32010".
	Listen string `yaml:"listen"`

	// DataDir holds the sqlite database and the instance lock.
	// Default: <user config dir>/steamos-devkit
	DataDir string `yaml:"data_dir"`

	Log    logger.Config `yaml:"log"`
	SSH    SSHConfig     `yaml:"ssh"`
	Deploy DeployConfig  `yaml:"deploy"`
}

// SSHConfig holds connection defaults applied to devices that do not override them.
type SSHConfig struct {
	User           string        `yaml:"user"`
	Port           int           `yaml:"port"`
	KeyPath        string        `yaml:"key_path"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DeployConfig controls the deployment pipeline.
//
// Command fields are text/template strings. Available fields: .GameID,
// .Directory, .Argv (already shell-quoted), .ParamsJSON, .User. The quote
// function shell-quotes its argument; quotePath does the same but lets a
// leading ~/ expand on the device.
type DeployConfig struct {
	RemoteRoot     string `yaml:"remote_root"`
	PrepareCommand string `yaml:"prepare_command"` // optional; prints {"user","directory"}
	InstallCommand string `yaml:"install_command"`
	LaunchCommand  string `yaml:"launch_command"`
	DeleteCommand  string `yaml:"delete_command"` // removes one title
	ListCommand    string `yaml:"list_command"`   // prints the installed titles as JSON

	Monitor        bool          `yaml:"monitor"`
	MonitorTimeout time.Duration `yaml:"monitor_timeout"` // 0 disables the timeout
	CommandTimeout time.Duration `yaml:"command_timeout"` // prepare and install

	Mirror          bool     `yaml:"mirror"`
	Atomic          bool     `yaml:"atomic"`
	Exclude         []string `yaml:"exclude"`
	ParallelUploads int      `yaml:"parallel_uploads"`

	// LogLines bounds the log buffer kept per job.
	LogLines int `yaml:"log_lines"`
	// RetainJobs bounds how many finished jobs stay queryable.
	RetainJobs int `yaml:"retain_jobs"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	dataDir := "steamos-devkit"
	if dir, err := os.UserConfigDir(); err == nil {
		dataDir = filepath.Join(dir, "steamos-devkit")
	}

	return &Config{
		Listen:  "127.0.0.1:32010",
		DataDir: dataDir,
		Log: logger.Config{
			Level:  "info",
			Output: "stdout",
		},
		SSH: SSHConfig{
			User:           "deck",
			Port:           22,
			KeyPath:        filepath.Join(dataDir, "devkit_rsa"),
			ConnectTimeout: 5 * time.Second,
		},
		Deploy: DeployConfig{
			RemoteRoot:      "~/devkit-game",
			PrepareCommand:  "python3 ~/devkit-utils/steamos-prepare-upload --gameid {{quote .GameID}}",
			InstallCommand:  "python3 ~/devkit-utils/steam-client-create-shortcut --parms {{quote .ParamsJSON}}",
			LaunchCommand:   "cd {{quotePath .Directory}} && exec {{.Argv}}",
			DeleteCommand:   "python3 ~/devkit-utils/steamos-delete --delete-title {{quote .GameID}}",
			ListCommand:     "python3 ~/devkit-utils/steamos-list-games",
			Monitor:         false,
			MonitorTimeout:  0,
			CommandTimeout:  2 * time.Minute,
			Mirror:          true,
			Atomic:          false,
			ParallelUploads: 4,
			LogLines:        2000,
			RetainJobs:      200,
		},
	}
}

// Load loads the file named by DEVKIT_CONFIG, or returns the defaults when it is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path on top of the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.expandPaths()
	return cfg, nil
}

// expandPaths resolves a leading ~ in host-side paths. Remote paths are left to the remote shell.
func (c *Config) expandPaths() {
	c.DataDir = expandHome(c.DataDir)
	c.SSH.KeyPath = expandHome(c.SSH.KeyPath)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// DatabasePath is where the device registry and manifests are stored.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "devkit.db")
}

// LockPath is the lock file that keeps two services off the same data dir.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "devkit.lock")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, fmt.Errorf("listen is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("data_dir is required"))
	}
	if c.SSH.User == "" {
		errs = append(errs, fmt.Errorf("ssh.user is required"))
	}
	if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		errs = append(errs, fmt.Errorf("ssh.port out of range: %d", c.SSH.Port))
	}
	if c.SSH.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ssh.connect_timeout must be positive"))
	}
	if c.Deploy.RemoteRoot == "" {
		errs = append(errs, fmt.Errorf("deploy.remote_root is required"))
	}
	if c.Deploy.InstallCommand == "" {
		errs = append(errs, fmt.Errorf("deploy.install_command is required"))
	}
	if c.Deploy.LaunchCommand == "" {
		errs = append(errs, fmt.Errorf("deploy.launch_command is required"))
	}
	if c.Deploy.DeleteCommand == "" || c.Deploy.ListCommand == "" {
		errs = append(errs, fmt.Errorf("deploy.delete_command and deploy.list_command are required"))
	}
	if c.Deploy.MonitorTimeout < 0 || c.Deploy.CommandTimeout < 0 {
		errs = append(errs, fmt.Errorf("deploy timeouts must not be negative"))
	}
	if c.Deploy.ParallelUploads < 1 {
		errs = append(errs, fmt.Errorf("deploy.parallel_uploads must be at least 1"))
	}
	if c.Deploy.LogLines < 1 {
		errs = append(errs, fmt.Errorf("deploy.log_lines must be at least 1"))
	}
	if c.Deploy.RetainJobs < 0 {
		errs = append(errs, fmt.Errorf("deploy.retain_jobs must not be negative"))
	}
	if err := manifest.ValidateExcludes(c.Deploy.Exclude); err != nil {
		errs = append(errs, fmt.Errorf("deploy.exclude: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
