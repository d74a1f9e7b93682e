package util

import (
	_ "embed"
	"fmt"
	"gopkg.in/yaml.v3"
	"log"
	"os"
	"strconv"
)

const Name = "glyptodon"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host           string
		HttpPort       int    `yaml:"httpPort"`
		SslDomain      string `yaml:"sslDomain"`
		WithFederation bool   `yaml:"withFederation"`
	}
	Federation struct {
		DeliveryWorkers    int64 `yaml:"deliveryWorkers"`    // max concurrent destinations
		MaxAttempts        int   `yaml:"maxAttempts"`        // delivery retry ceiling
		BackoffBaseSecs    int   `yaml:"backoffBaseSecs"`    // first retry delay
		MaxResolveDepth    int   `yaml:"maxResolveDepth"`    // reference recursion bound
		MaxCollectionPages int   `yaml:"maxCollectionPages"` // remote outbox walk bound
		CollectionPageSize int   `yaml:"collectionPageSize"`
		KeyCacheTTLMins    int   `yaml:"keyCacheTtlMins"`
		ActorRefreshHours  int   `yaml:"actorRefreshHours"`
		DateSkewMins       int   `yaml:"dateSkewMins"`      // signature Date freshness window
		SeenRetentionDays  int   `yaml:"seenRetentionDays"` // activity ledger pruning
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	// Try to read from resolved path
	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		// Try to write default config to user config directory
		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	ApplyDefaults(c)

	envHost := os.Getenv("GLYPTODON_HOST")
	envHttpPort := os.Getenv("GLYPTODON_HTTPPORT")
	envSslDomain := os.Getenv("GLYPTODON_SSLDOMAIN")
	envWithFederation := os.Getenv("GLYPTODON_WITH_FEDERATION")

	if envHost != "" {
		c.Conf.Host = envHost
	}

	if envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.HttpPort = v
	}

	if envSslDomain != "" {
		c.Conf.SslDomain = envSslDomain
	}

	if envWithFederation == "true" {
		c.Conf.WithFederation = true
	}

	return c, nil
}

// ApplyDefaults fills in federation policy values left at zero so a partial
// config file still yields a working setup.
func ApplyDefaults(c *AppConfig) {
	f := &c.Federation
	if f.DeliveryWorkers == 0 {
		f.DeliveryWorkers = 8
	}
	if f.MaxAttempts == 0 {
		f.MaxAttempts = 10
	}
	if f.BackoffBaseSecs == 0 {
		f.BackoffBaseSecs = 30
	}
	if f.MaxResolveDepth == 0 {
		f.MaxResolveDepth = 3
	}
	if f.MaxCollectionPages == 0 {
		f.MaxCollectionPages = 10
	}
	if f.CollectionPageSize == 0 {
		f.CollectionPageSize = 50
	}
	if f.KeyCacheTTLMins == 0 {
		f.KeyCacheTTLMins = 60
	}
	if f.ActorRefreshHours == 0 {
		f.ActorRefreshHours = 24
	}
	if f.DateSkewMins == 0 {
		f.DateSkewMins = 5
	}
	if f.SeenRetentionDays == 0 {
		f.SeenRetentionDays = 30
	}
}
