package config

import (
	"errors"
	"fmt"
	"os"

	"go-gallery-download/internal/models"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// DefaultConfigPath is used when no --config flag is given.
const DefaultConfigPath = "config.toml"

// Defaults returns the configuration used for keys missing from the file.
func Defaults() models.Config {
	return models.Config{
		MasterFolder:        "downloads",
		CacheFolder:         "cache",
		DatabasePath:        "gallery.db",
		BleveIndexPath:      "gallery.bleve",
		AllowSFW:            true,
		AllowNSFW:           false,
		Sort:                "new",
		Concurrency:         5,
		UserAgent:           "go-gallery-download/1.0",
		ApiClientTimeoutSec: 60,
		LinkLog:             true,
	}
}

// LoadConfig reads the configuration from the specified path (defaulting to
// "config.toml"). Keys missing from the file keep their Defaults value. A
// missing default file is not an error; a missing explicit path is.
func LoadConfig(configFilePath string) (models.Config, error) {
	explicit := configFilePath != ""
	if !explicit {
		configFilePath = DefaultConfigPath
	}

	cfg := Defaults()
	md, err := toml.DecodeFile(configFilePath, &cfg)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			log.Debugf("No %s found, using defaults", configFilePath)
			return Defaults(), nil
		}
		return models.Config{}, fmt.Errorf("error loading config file %s: %w", configFilePath, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		log.Warnf("Ignoring unknown config keys in %s: %v", configFilePath, undecoded)
	}

	if cfg.Concurrency < 1 {
		log.Warnf("Concurrency %d is invalid, using 1", cfg.Concurrency)
		cfg.Concurrency = 1
	}
	if cfg.Limit < 0 {
		log.Warnf("Limit %d is invalid, downloading all", cfg.Limit)
		cfg.Limit = 0
	}
	if cfg.MasterFolder == "" {
		log.Warn("MasterFolder is empty in config, using default")
		cfg.MasterFolder = Defaults().MasterFolder
	}
	if !cfg.AllowSFW && !cfg.AllowNSFW {
		log.Warn("Both AllowSFW and AllowNSFW are disabled; every subreddit will be skipped")
	}

	log.Infof("Configuration loaded from %s", configFilePath)
	return cfg, nil
}
