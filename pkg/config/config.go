package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/breakoscope/breakoscope/pkg/logflags"
)

const (
	configDir  string = "breakoscope"
	configFile string = "config.yml"
	extDir     string = "extensions"
)

// SystemExtensionDir is searched for extension modules in addition to the
// configured directories.
const SystemExtensionDir = "/usr/share/breakoscope/extensions"

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// BackendCommand is the debug adapter command line, started with DAP
	// on its stdin and stdout.
	BackendCommand string `yaml:"backend-command,omitempty"`
	// BackendAddress is the host:port of a debug adapter to connect to
	// instead of starting BackendCommand.
	BackendAddress string `yaml:"backend-address,omitempty"`

	// PackageManager is the package database queried for the installed
	// version: rpm or dpkg.
	PackageManager string `yaml:"package-manager,omitempty"`

	// ExtensionDirs lists directories holding Starlark extension modules.
	ExtensionDirs []string `yaml:"extension-dirs"`

	// OutputFormat is the encoding of the output file: json or yaml.
	OutputFormat string `yaml:"output-format,omitempty"`
}

// LoadConfig populates a Config from the file at path. If path is empty the
// per-user config.yml is used, and created with the default contents if it
// does not exist yet. When the per-user file cannot be set up, a warning is
// logged and the defaults are used.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		log := logflags.ConfigLogger()
		if err := createConfigPath(); err != nil {
			log.Warnf("could not create config directory: %v, using defaults", err)
			return &Config{}, nil
		}
		var err error
		path, err = GetConfigFilePath(configFile)
		if err != nil {
			log.Warnf("unable to get config file path: %v, using defaults", err)
			return &Config{}, nil
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := createDefaultConfig(path); err != nil {
				log.Warnf("%v, using defaults", err)
				return &Config{}, nil
			}
		}
		log.Debugf("loading %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, fmt.Errorf("unable to decode config file %s: %v", path, err)
	}
	return &c, nil
}

// ExtensionSearchPath returns the directories extension modules are loaded
// from: the system directory, the per-user directory and then the
// configured ones.
func (c *Config) ExtensionSearchPath() []string {
	dirs := []string{SystemExtensionDir}
	if user, err := GetConfigFilePath(extDir); err == nil {
		dirs = append(dirs, user)
	}
	return append(dirs, c.ExtensionDirs...)
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	if err := WriteDefaultConfig(f); err != nil {
		return fmt.Errorf("unable to write default configuration: %v", err)
	}
	return nil
}

// WriteDefaultConfig writes the commented default configuration file to w.
func WriteDefaultConfig(w io.Writer) error {
	_, err := io.WriteString(w,
		`# Configuration file for breakoscope.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Command line of the debug adapter. It must speak the Debug Adapter
# Protocol on its standard input and output.
# backend-command: gdb -q -i=dap

# Connect to a debug adapter already listening on this address instead of
# starting backend-command.
# backend-address: 127.0.0.1:4711

# Package database queried for the installed version (rpm or dpkg).
# package-manager: rpm

# Directories searched for Starlark extension modules (*.star), in addition
# to /usr/share/breakoscope/extensions and the extensions directory next to
# this file.
extension-dirs:
  # - /path/to/extensions

# Encoding of the output file (json or yaml).
# output-format: json
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
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configDir, file), nil
}
