package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrNoOrigin = errors.New("no origin specified")

// Config is the deployment of a page: where it lives and what it needs offline.
// Values set on the command line (or through the environment) win over the file.
type Config struct {
	Origin   string   `yaml:"origin"`
	Addr     string   `yaml:"addr"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	DB       string   `yaml:"db"`
	Bucket   string   `yaml:"bucket"`
	Precache []string `yaml:"precache"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// merge overlays flags on file.
// A flag value is used when it was set explicitly or when the file leaves the field empty,
// so flag defaults fill in whatever the file does not say.
func merge(file, flags Config, isSet func(name string) bool) Config {
	config := file
	str := func(dst *string, value, name string) {
		if isSet(name) || *dst == "" {
			*dst = value
		}
	}
	str(&config.Origin, flags.Origin, "origin")
	str(&config.Addr, flags.Addr, "addr")
	str(&config.Host, flags.Host, "host")
	str(&config.DB, flags.DB, "db")
	str(&config.Bucket, flags.Bucket, "bucket")
	if isSet("port") || config.Port == 0 {
		config.Port = flags.Port
	}
	return config
}

// originURL returns the origin to proxy to and the hostname to use with it.
// An explicit origin overrides addr and host.
func (c Config) originURL() (*url.URL, string, error) {
	raw, host := c.Origin, ""
	if raw == "" {
		if c.Addr == "" {
			return nil, "", ErrNoOrigin
		}
		raw, host = "https://"+c.Addr, c.Host
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("parse origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, "", fmt.Errorf("origin %q is not an absolute http(s) URL", raw)
	}
	return u, host, nil
}

// dbFilename maps the db setting to a SQLite file name.
func (c Config) dbFilename() string {
	if c.DB == "memory" {
		return "file::memory:?cache=shared"
	}
	return c.DB
}
