package config

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env        string `yaml:"env" env-default:"local" env:"ENV"`
	ConfigDir  string `yaml:"config_dir" env:"CONFIG_DIR"`
	DataDir    string `yaml:"data_dir" env:"DATA_DIR"`
	ListenAddr string `yaml:"listen_addr" env-default:"0.0.0.0:35600" env:"LISTEN_ADDR"`
	ServerURL  string `yaml:"server_url" env-default:"ws://127.0.0.1:9999/ws" env:"SERVER_URL"`

	Backup BackupConfig `yaml:"backup"`
}

type BackupConfig struct {
	// Source is the directory tree that gets backed up.
	Source string `yaml:"source" env:"BACKUP_SOURCE"`
	// PackTargetSize is the size at which an open pack gets sealed.
	PackTargetSize int64 `yaml:"pack_target_size" env-default:"8388608"`
	// MaxSealedQueue bounds the number of sealed packs waiting for
	// transport before the packer stalls.
	MaxSealedQueue int `yaml:"max_sealed_queue" env-default:"8"`
	// ParallelPuts caps concurrent uploads across all peers.
	ParallelPuts int `yaml:"parallel_puts" env-default:"4"`
	// KeepSnapshots is how many finalized snapshots protect local packs
	// from garbage collection.
	KeepSnapshots int `yaml:"keep_snapshots" env-default:"2"`
}

func MustLoad() *Config {
	configPath := fetchConfigPath()
	if configPath == "" {
		panic("config path is empty")
	}

	return MustLoadConfig(configPath)
}

func MustLoadConfig(configPath string) *Config {
	// check if file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file does not exist: " + configPath)
	}

	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		panic("cannot read config: " + err.Error())
	}

	if cfg.ConfigDir == "" {
		cfg.ConfigDir = filepath.Dir(configPath)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.ConfigDir, "data")
	}

	return &cfg
}

// IdentityKeyPath is where the peer identity key lives, mode 0600.
func (c *Config) IdentityKeyPath() string {
	return filepath.Join(c.ConfigDir, "identity.key")
}

// Priority: flag > env > default.
// default value is empty string.
func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}
	return res
}
