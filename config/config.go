package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/daedaleanai/edaflow/log"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the user configuration of the tool binaries and run limits.
type Config struct {
	// Openroad is the openroad executable used for every physical-design stage.
	Openroad string `mapstructure:"openroad"`
	// Yosys is the synthesis executable.
	Yosys string `mapstructure:"yosys"`
	// YosysFlags are passed to yosys before the script.
	YosysFlags []string `mapstructure:"yosys-flags"`
	// TimeCmd wraps every tool invocation to report elapsed time and peak memory. Empty disables it.
	TimeCmd []string `mapstructure:"time-cmd"`
	// StageTimeout bounds every single tool invocation. Zero means no bound.
	StageTimeout time.Duration `mapstructure:"stage-timeout"`
	// TrialStore is the sqlite database tuning trials are recorded in. Empty keeps trials in memory.
	TrialStore string `mapstructure:"trial-store"`
}

var config *Config

const configFileName string = "config"
const envPrefix = "EDAFLOW"

func setDefaults(v *viper.Viper) {
	v.SetDefault("openroad", "openroad")
	v.SetDefault("yosys", "yosys")
	v.SetDefault("yosys-flags", []string{"-v", "3"})
	v.SetDefault("time-cmd", []string{"/usr/bin/time", "-f", "Elapsed time: %E[h:]min:sec. CPU time: user %U sys %S (%P). Peak memory: %MKB."})
	v.SetDefault("stage-timeout", time.Duration(0))
	v.SetDefault("trial-store", "")
}

func getConfigDir() (string, error) {
	if configDir, ok := os.LookupEnv("EDAFLOW_CONFIG_DIR"); ok {
		return configDir, nil
	}

	if xdgConfigHome, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok {
		return path.Join(xdgConfigHome, "edaflow"), nil
	}

	homeDir, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("Unable to locate the configuration directory: %w", err)
	}
	return path.Join(homeDir, ".config", "edaflow"), nil
}

// Load reads the configuration from the config directory. Missing files fall back to defaults;
// EDAFLOW_* environment variables override file values.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigName(configFileName)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	configDir, err := getConfigDir()
	if err != nil {
		log.Debug("Unable to find edaflow config directory. Using default configuration\n")
	} else {
		v.AddConfigPath(configDir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading configuration file: %w", err)
		}
		log.Debug("No configuration file found in '%s'. Using default configuration\n", configDir)
	} else {
		log.Debug("Loaded configuration from `%s`\n", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding configuration: %w", err)
	}
	log.Debug("Running with configuration: %+v\n", cfg)
	return cfg, nil
}

// GetConfig returns the process configuration, loading it on first use. A configuration that
// cannot be read is fatal.
func GetConfig() Config {
	if config == nil {
		loadedConfig, err := Load()
		if err != nil {
			log.Fatal("%s\n", err)
		}
		config = &loadedConfig
	}

	return *config
}
