package config

import (
	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/tandem-dev/tandem/pkg/errors"
)

const (
	// UserConfigPath is the default path to the Tandem user config.
	UserConfigPath = "~/.tandem.yaml"

	// SupportedUserConfigVersion is the user config version understood by
	// the current Tandem binary.
	SupportedUserConfigVersion = "v1alpha1"
)

// Storage identifies the bucket holding the project's shared state and
// bundles.
type Storage struct {
	Endpoint  string `json:"endpoint,omitempty"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix,omitempty"`
	AccessKey string `json:"accessKey,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`
	Region    string `json:"region,omitempty"`
}

// User contains the machine-wide configuration shared by every project.
type User struct {
	Version string  `json:"version,omitempty"`
	Relay   string  `json:"relay"`
	Storage Storage `json:"storage"`
}

func (u User) getVersion() string {
	return u.Version
}

// homedirExpand will be overridden in mock tests.
var homedirExpand = homedir.Expand

// GetUserConfigPath returns the expanded path to the user config.
func GetUserConfigPath() (string, error) {
	return homedirExpand(UserConfigPath)
}

// ParseUser attempts to parse the User stored in the default path.
func ParseUser() (User, error) {
	path, err := GetUserConfigPath()
	if err != nil {
		return User{}, errors.WithContext(err, "expand config path")
	}

	config := User{Version: SupportedUserConfigVersion}
	if err := parseConfig(path, &config, SupportedUserConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return User{}, errors.NewFriendlyError("The Tandem user config "+
				"file doesn't exist at %q. Please create it with the relay "+
				"address and storage bucket for your team.", path)
		}
		return User{}, errors.WithContext(err, "parse")
	}

	if config.Storage.Bucket == "" {
		return User{}, errors.MissingFieldError{Field: "storage.bucket"}
	}
	if config.Relay == "" {
		return User{}, errors.MissingFieldError{Field: "relay"}
	}
	return config, nil
}

// WriteUser writes the given user config to disk.
func WriteUser(cfg User) error {
	cfg.Version = SupportedUserConfigVersion
	path, err := GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}
	if err := afero.WriteFile(fs, path, raw, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}
