package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/go-delve/nativedbg/pkg/proc"
)

const (
	configDir       string = "nativedbg"
	configDirHidden string = ".nativedbg"
	configFile      string = "config.yml"
)

// ExceptionOverride changes how the exception classifier treats one
// exception code.
type ExceptionOverride struct {
	// Code is the OS exception code, for example 0xC0000005.
	Code uint32 `yaml:"code"`
	// Name replaces the built-in short name, if not empty.
	Name string `yaml:"name,omitempty"`
	// Stop, if set, decides whether the process is suspended when the
	// exception is raised.
	Stop *bool `yaml:"stop,omitempty"`
	// Pass, if set, decides whether the exception is passed to the
	// application (not handled by the debugger).
	Pass *bool `yaml:"pass,omitempty"`
	// Description replaces the built-in description format, if not empty.
	Description string `yaml:"description,omitempty"`
}

// SymbolWorkerConfig configures the symbol-resolution worker.
type SymbolWorkerConfig struct {
	// MaxReadSize limits the size of a single memory or input file read
	// requested by the worker. Zero selects the 1MiB default.
	MaxReadSize int `yaml:"max-read-size,omitempty"`
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Exceptions overrides entries of the built-in exception table.
	Exceptions []ExceptionOverride `yaml:"exceptions"`

	// DEP selects the data execution prevention policy assumed for the
	// target when computing page breakpoint protections: off, optin or
	// always.
	DEP string `yaml:"dep-policy,omitempty"`

	// PollTimeout is the default wait used when polling for debug events.
	PollTimeout time.Duration `yaml:"poll-timeout,omitempty"`

	// NameCacheSize is the number of address to module name resolutions
	// kept in memory.
	NameCacheSize int `yaml:"name-cache-size,omitempty"`

	// VerifyChecksum enables the CRC32 check of the target file on start.
	VerifyChecksum bool `yaml:"verify-checksum"`

	SymbolWorker SymbolWorkerConfig `yaml:"symbol-worker"`
}

const (
	defaultPollTimeout   = 100 * time.Millisecond
	defaultNameCacheSize = 512
)

// ExceptionTable returns the built-in exception table with the overrides
// of this configuration applied.
func (c *Config) ExceptionTable() proc.ExceptionTable {
	table := proc.DefaultExceptionTable()
	for _, o := range c.Exceptions {
		e, ok := table[o.Code]
		if !ok {
			e = proc.ExceptionSetting{Code: o.Code, Name: fmt.Sprintf("%08X", o.Code), Stop: true, Pass: true}
		}
		if o.Name != "" {
			e.Name = o.Name
		}
		if o.Stop != nil {
			e.Stop = *o.Stop
		}
		if o.Pass != nil {
			e.Pass = *o.Pass
		}
		if o.Description != "" {
			e.Desc = o.Description
		}
		table[o.Code] = e
	}
	return table
}

// DEPPolicy returns the configured data execution prevention policy.
func (c *Config) DEPPolicy() (proc.DEPPolicy, error) {
	return proc.ParseDEPPolicy(c.DEP)
}

// PollTimeoutOrDefault returns the configured poll timeout.
func (c *Config) PollTimeoutOrDefault() time.Duration {
	if c.PollTimeout <= 0 {
		return defaultPollTimeout
	}
	return c.PollTimeout
}

// NameCacheSizeOrDefault returns the configured name cache size.
func (c *Config) NameCacheSizeOrDefault() int {
	if c.NameCacheSize <= 0 {
		return defaultNameCacheSize
	}
	return c.NameCacheSize
}

// LoadConfig attempts to populate a Config object from the config.yml file.
// If path is empty the default location is used and a commented default
// file is created when missing.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		err := createConfigPath()
		if err != nil {
			return &Config{}, fmt.Errorf("could not create config directory: %v", err)
		}
		path, err = GetConfigFilePath(configFile)
		if err != nil {
			return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		f, err = createDefaultConfig(path)
		if err != nil {
			return &Config{}, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	defer f.Close()

	return decodeConfig(f)
}

func decodeConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}
	if _, err := c.DEPPolicy(); err != nil {
		return &Config{}, err
	}

	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config, path string) error {
	if path == "" {
		var err error
		path, err = GetConfigFilePath(configFile)
		if err != nil {
			return err
		}
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the nativedbg debug engine.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Overrides for the exception table. Stop decides whether the process is
# suspended, pass whether the exception is handed to the application.
exceptions:
  # - {code: 0xC0000005, stop: true, pass: true}
  # - {code: 0x406D1388, name: thread_name, stop: false}

# Data execution prevention policy assumed when computing page breakpoint
# protections: off, optin or always.
# dep-policy: optin

# Default wait used when polling for debug events.
# poll-timeout: 100ms

# Number of address to module name resolutions kept in memory.
# name-cache-size: 512

# Check the CRC32 of the target file before starting it.
verify-checksum: false

symbol-worker:
  # Largest memory or input file read the symbol worker may request.
  # max-read-size: 1048576
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if configPath := os.Getenv("XDG_CONFIG_HOME"); configPath != "" {
		return filepath.Join(configPath, configDir, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDirHidden, file), nil
}
