// Package registry discovers the runtime configuration of the supervised
// registry server and answers package queries against it.
//
// The server is never configured by this package. Its config file,
// listen address and htpasswd location are scraped from the startup
// banner, and the logged-in user is asked from the package manager.
package registry

import (
	"errors"
	"fmt"
	"strings"
)

// ErrOutputEnded is wrapped by ConfigIncompleteError when the server
// stopped before printing every expected field.
var ErrOutputEnded = errors.New("registry: output ended before configuration was complete")

// Field names, as used in ConfigIncompleteError.Missing.
const (
	FieldConfigFile   = "config_file"
	FieldHTTPAddress  = "http_address"
	FieldHtpasswdFile = "htpasswd_file"
	FieldUsername     = "username"
)

// Config is the discovered runtime configuration of the registry server.
type Config struct {
	ConfigFile   string `yaml:"config_file" json:"config_file"`
	HTTPAddress  string `yaml:"http_address" json:"http_address"`
	HtpasswdFile string `yaml:"htpasswd_file" json:"htpasswd_file"`
	Username     string `yaml:"username" json:"username"`
}

// Missing lists the fields that are still empty.
func (c Config) Missing() []string {
	var missing []string
	if c.ConfigFile == "" {
		missing = append(missing, FieldConfigFile)
	}
	if c.HTTPAddress == "" {
		missing = append(missing, FieldHTTPAddress)
	}
	if c.HtpasswdFile == "" {
		missing = append(missing, FieldHtpasswdFile)
	}
	if c.Username == "" {
		missing = append(missing, FieldUsername)
	}
	return missing
}

// Complete reports whether every field has been discovered.
func (c Config) Complete() bool {
	return len(c.Missing()) == 0
}

// ConfigIncompleteError is returned when discovery could not fill every
// field. Config holds whatever was found.
type ConfigIncompleteError struct {
	Config  Config
	Missing []string
	Err     error
}

func (e *ConfigIncompleteError) Error() string {
	return fmt.Sprintf("registry: configuration incomplete (missing %s): %v",
		strings.Join(e.Missing, ", "), e.Err)
}

func (e *ConfigIncompleteError) Unwrap() error {
	return e.Err
}

func incomplete(cfg Config, err error) *ConfigIncompleteError {
	return &ConfigIncompleteError{Config: cfg, Missing: cfg.Missing(), Err: err}
}
