// Package config loads the offline-cache configuration from a YAML file
// overlaid by OFFLINE_ prefixed environment variables.
package config

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/always-cache/offline-cache/cache"
	classifier "github.com/always-cache/offline-cache/pkg/request-classifier"
	"github.com/always-cache/offline-cache/queue"

	"github.com/caarlos0/env/v11"
	platformerrors "github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "OFFLINE_"

type Config struct {
	// Port to listen on.
	Port int `yaml:"port" env:"PORT"`
	// Origin URL to proxy to.
	Origin string `yaml:"origin" env:"ORIGIN"`
	// Hostname of origin, if the origin URL is an address.
	Host string `yaml:"host" env:"HOST"`
	// Cache DB file name, "memory" for an in-memory db.
	DB string `yaml:"db" env:"DB"`
	// Build tag of the deployment.
	Generation      string `yaml:"generation" env:"GENERATION"`
	PartitionPrefix string `yaml:"partitionPrefix" env:"PARTITION_PREFIX"`
	// Eviction cap of every partition class not overridden in Partitions.
	MaxEntries int `yaml:"maxEntries" env:"MAX_ENTRIES"`
	// Per-class TTL overrides.
	TTL TTLConfig `yaml:"ttl" envPrefix:"TTL_"`
	// Per-class policy overrides, applied last.
	Partitions cache.Table `yaml:"partitions"`
	// Resources pre-cached on install.
	Manifest        []string `yaml:"manifest" env:"MANIFEST"`
	OfflineFallback string   `yaml:"offlineFallback" env:"OFFLINE_FALLBACK"`
	// Path prefixes for the default classification rules.
	DocumentPrefixes []string `yaml:"documentPrefixes" env:"DOCUMENT_PREFIXES"`
	APIPrefixes      []string `yaml:"apiPrefixes" env:"API_PREFIXES"`
	// Replaces the default classification rules if set.
	Rules               classifier.Rules  `yaml:"rules"`
	MaintenanceInterval time.Duration     `yaml:"maintenanceInterval" env:"MAINTENANCE_INTERVAL"`
	Retry               queue.RetryPolicy `yaml:"retry" envPrefix:"RETRY_"`
	// Log file to use in addition to stdout.
	LogFile string `yaml:"logFile" env:"LOG_FILE"`
	// Trace logging.
	Trace bool `yaml:"trace" env:"TRACE"`
}

type TTLConfig struct {
	Font     time.Duration `yaml:"font" env:"FONT"`
	Document time.Duration `yaml:"document" env:"DOCUMENT"`
	Static   time.Duration `yaml:"static" env:"STATIC"`
	Dynamic  time.Duration `yaml:"dynamic" env:"DYNAMIC"`
	API      time.Duration `yaml:"api" env:"API"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:                8080,
		DB:                  "cache.db",
		PartitionPrefix:     "site",
		MaxEntries:          cache.DefaultMaxEntries,
		OfflineFallback:     "/offline.html",
		Manifest:            []string{"/", "/manifest.webmanifest"},
		MaintenanceInterval: 10 * time.Minute,
		Retry: queue.RetryPolicy{
			MaxAttempts:     queue.DefaultMaxAttempts,
			InitialInterval: queue.DefaultInitialInterval,
			MaxInterval:     queue.DefaultMaxInterval,
		},
	}
}

// Load reads the defaults, then the YAML file if filename is not empty,
// then the environment.
func Load(filename string) (Config, error) {
	config := Default()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "could not read config file")
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, platformerrors.WithContext(
				platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "could not parse config file"),
				"file", filename)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{Prefix: EnvPrefix}); err != nil {
		return config, platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "could not parse environment")
	}
	return config, nil
}

// Table returns the partition policies with all overrides applied.
func (c Config) Table() cache.Table {
	table := cache.DefaultTable(c.MaxEntries)
	for class, ttl := range map[cache.PartitionClass]time.Duration{
		cache.ClassFont:     c.TTL.Font,
		cache.ClassDocument: c.TTL.Document,
		cache.ClassStatic:   c.TTL.Static,
		cache.ClassDynamic:  c.TTL.Dynamic,
		cache.ClassAPI:      c.TTL.API,
	} {
		if ttl > 0 {
			p := table[class]
			p.TTL = ttl
			table[class] = p
		}
	}
	for class, p := range c.Partitions {
		table[class] = p
	}
	return table
}

// ClassificationRules returns the configured rules or the defaults.
func (c Config) ClassificationRules() classifier.Rules {
	if len(c.Rules) > 0 {
		return c.Rules
	}
	return classifier.DefaultRules(classifier.Options{
		DocumentPrefixes: c.DocumentPrefixes,
		APIPrefixes:      c.APIPrefixes,
	})
}

// OriginURL parses the origin. Without a scheme, https is assumed.
func (c Config) OriginURL() (*url.URL, error) {
	origin := c.Origin
	if !strings.Contains(origin, "://") {
		origin = "https://" + origin
	}
	u, err := url.Parse(origin)
	if err != nil {
		return nil, invalid("origin", "could not parse origin url")
	}
	return u, nil
}

// Validate checks the configuration before use.
func (c Config) Validate() error {
	if c.Origin == "" {
		return invalid("origin", "origin is required")
	}
	u, err := c.OriginURL()
	if err != nil {
		return err
	}
	if u.Host == "" {
		return invalid("origin", "origin url needs a host")
	}
	if u.Path != "" && u.Path != "/" {
		return invalid("origin", "origins with paths are not supported")
	}
	if c.Generation == "" {
		return invalid("generation", "generation is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return invalid("port", "port out of range")
	}
	if c.MaxEntries < 0 {
		return invalid("maxEntries", "maxEntries must not be negative")
	}
	if err := c.Table().Validate(); err != nil {
		return platformerrors.WithContext(
			platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "invalid partition policy"),
			"field", "partitions")
	}
	for _, rule := range c.Rules {
		if rule.Label == "" {
			return invalid("rules", "every rule needs a label")
		}
	}
	return nil
}

func invalid(field, message string) error {
	return platformerrors.WithContext(
		platformerrors.New(platformerrors.CodeInvalidConfig, message),
		"field", field)
}
