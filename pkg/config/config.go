package config

import (
	"os"

	"btverify/pkg/logger"

	"github.com/c2h5oh/datasize"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration of the btverify tool.
type Config struct {
	Logger logger.Config `yaml:"logger"`
	Check  CheckConfig   `yaml:"check"`
	// Parallelism bounds how many indexes are verified at once.
	Parallelism int `yaml:"parallelism" validate:"min=1,max=64"`
	// MetricsAddr, when set, serves prometheus metrics on this address.
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
	// HistoryFile receives one line per finished check.
	HistoryFile string `yaml:"history_file"`
}

// CheckConfig holds the defaults for every verification run.
type CheckConfig struct {
	Readonly        bool              `yaml:"readonly"`
	HeapAllIndexed  bool              `yaml:"heapallindexed"`
	RootDescend     bool              `yaml:"rootdescend"`
	CheckUnique     bool              `yaml:"checkunique"`
	VerifyChecksums bool              `yaml:"verify_checksums"`
	WorkMem         datasize.ByteSize `yaml:"work_mem" validate:"min=1048576"`
	Hasher          string            `yaml:"hasher" validate:"oneof=xxhash murmur3"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Check: CheckConfig{
			VerifyChecksums: true,
			WorkMem:         DefaultWorkMem,
			Hasher:          "xxhash",
		},
		Parallelism: 1,
		HistoryFile: HistoryFileName,
	}
}

// Load reads a YAML configuration file on top of the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "could not read config %s", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "could not parse config %s", path)
	}
	return cfg, cfg.Validate()
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}
