package config

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

const DefaultTimeout = 30
const DefaultConvertersFile = "converters.yml"
const DefaultConvertersLocalFile = "converters.local.yml"

// DBServer - connection details for the networked catalog variant
type DBServer struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`
	Pass string `yaml:"pass"`
}

// Config for konvert
type Config struct {
	Source          string   `yaml:"source"`
	Dest            string   `yaml:"dest"`
	DB              string   `yaml:"db"`
	DBServer        DBServer `yaml:"db_server"`
	Timeout         int      `yaml:"timeout"`
	Converters      string   `yaml:"converters"`
	ConvertersLocal string   `yaml:"converters_local"`
	Multi           bool     `yaml:"multi"`
	KeepOriginals   bool     `yaml:"keep_originals"`
	OrigExt         bool     `yaml:"orig_ext"`
	SetSourceExt    bool     `yaml:"set_source_ext"`
}

// Unmarshal the config
func Unmarshal(config []byte) (*Config, error) {
	// Default values specified here
	cfg := &Config{
		Timeout:         DefaultTimeout,
		Converters:      DefaultConvertersFile,
		ConvertersLocal: DefaultConvertersLocalFile,
	}
	err := yaml.Unmarshal(config, cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %v. make sure to use 'single quotes' around strings with special characters", err.Error())
	}
	err = cfg.validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile - loads config file, merging an optional local override
// file of the same shape over it. Values set in the local file win.
func LoadConfigFile(filename string, localFilename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	cfg, err := LoadConfigString(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	if localFilename != "" {
		if local, lerr := os.ReadFile(localFilename); lerr == nil {
			// Values set in the local file overwrite the tracked ones
			if err := yaml.Unmarshal(local, cfg); err != nil {
				return nil, fmt.Errorf("failed to load %v: %v", localFilename, err.Error())
			}
			if err := cfg.validate(); err != nil {
				return nil, err
			}
		}
	}
	return cfg, nil
}

// LoadConfigString - loads a string
func LoadConfigString(content []byte) (*Config, error) {
	cfg, err := Unmarshal([]byte(content))
	return cfg, err
}

func (c *Config) validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", c.Timeout)
	}
	return nil
}
