package main

import (
	"net/url"
	"os"
	"strconv"
	"time"

	headerrules "github.com/always-cache/swcache/pkg/header-rules"

	"github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port        int               `yaml:"port"`
	Origin      string            `yaml:"origin"`
	Host        string            `yaml:"host"`
	Scope       string            `yaml:"scope"`
	App         string            `yaml:"app"`
	Version     string            `yaml:"version"`
	APIPrefix   string            `yaml:"apiPrefix"`
	OfflinePath string            `yaml:"offlinePath"`
	Precache    []string          `yaml:"precache"`
	SkipWaiting bool              `yaml:"skipWaiting"`
	Rules       headerrules.Rules `yaml:"rules"`
	Storage     StorageConfig     `yaml:"storage"`
	Queue       string            `yaml:"queue"`
	Probe       ProbeConfig       `yaml:"probe"`
}

type StorageConfig struct {
	Provider string      `yaml:"provider"`
	Path     string      `yaml:"path"`
	Redis    RedisConfig `yaml:"redis"`
	S3       S3Config    `yaml:"s3"`
}

// RedisConfig holds the Redis settings. The password is read from SWCACHE_REDIS_PASSWORD.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
	Password  string `yaml:"-"`
}

// S3Config holds the bucket settings.
// Keys are read from SWCACHE_S3_ACCESS_KEY and SWCACHE_S3_SECRET_KEY.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"-"`
	SecretKey string `yaml:"-"`
}

type ProbeConfig struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, errors.Wrap(err, errors.CodeInvalidConfig, "could not read config file")
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, errors.Wrap(err, errors.CodeInvalidConfig, "could not parse config file")
		}
	}
	config.applyEnv()
	return config, nil
}

// applyEnv fills in secrets and lets the environment override the storage location.
func (c *Config) applyEnv() {
	c.Storage.Redis.Addr = getenv("SWCACHE_REDIS_ADDR", c.Storage.Redis.Addr)
	c.Storage.Redis.DB = getenvInt("SWCACHE_REDIS_DB", c.Storage.Redis.DB)
	c.Storage.Redis.Password = os.Getenv("SWCACHE_REDIS_PASSWORD")
	c.Storage.S3.Endpoint = getenv("SWCACHE_S3_ENDPOINT", c.Storage.S3.Endpoint)
	c.Storage.S3.Region = getenv("SWCACHE_S3_REGION", c.Storage.S3.Region)
	c.Storage.S3.Bucket = getenv("SWCACHE_S3_BUCKET", c.Storage.S3.Bucket)
	c.Storage.S3.AccessKey = os.Getenv("SWCACHE_S3_ACCESS_KEY")
	c.Storage.S3.SecretKey = os.Getenv("SWCACHE_S3_SECRET_KEY")
}

func (c Config) validate() error {
	if c.Origin == "" {
		return errors.New(errors.CodeInvalidConfig, "origin is required")
	}
	if u, err := url.Parse(c.Origin); err != nil || u.Host == "" {
		return errors.Newf(errors.CodeInvalidConfig, "origin %q is not an absolute URL", c.Origin)
	}
	if c.Scope != "" {
		if u, err := url.Parse(c.Scope); err != nil || u.Host == "" {
			return errors.Newf(errors.CodeInvalidConfig, "scope %q is not an absolute URL", c.Scope)
		}
	}
	if c.Port <= 0 {
		return errors.New(errors.CodeInvalidConfig, "port is required")
	}
	switch c.Storage.Provider {
	case "sqlite", "leveldb":
		if c.Storage.Path == "" {
			return errors.Newf(errors.CodeInvalidConfig, "%s storage needs a path", c.Storage.Provider)
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return errors.New(errors.CodeInvalidConfig, "redis storage needs an address")
		}
	case "s3":
		s3 := c.Storage.S3
		if s3.Bucket == "" || s3.AccessKey == "" || s3.SecretKey == "" {
			return errors.New(errors.CodeInvalidConfig, "s3 storage needs a bucket and keys")
		}
	default:
		return errors.Newf(errors.CodeInvalidConfig, "unsupported cache provider: %s", c.Storage.Provider)
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
