package config

import (
	"path/filepath"

	"github.com/tandem-dev/tandem/pkg/errors"
	"github.com/tandem-dev/tandem/pkg/pattern"
)

// ProjectConfigName is the name of the project configuration file, looked
// up in the project tree root.
const ProjectConfigName = "tandem.yaml"

// InitialProjectConfigVersion is the first version of the project config.
// Config files that do not specify a version default to this version.
const InitialProjectConfigVersion = "v1alpha1"

// SupportedProjectConfigVersion is the supported version of the project
// config of the current Tandem binary.
const SupportedProjectConfigVersion = "v1alpha1"

// Files holds the two rule lists that classify project files. Both use the
// glob grammar in the pattern package.
type Files struct {
	// Ignore lists files that are never synced or uploaded.
	Ignore []string `json:"ignore,omitempty"`

	// Static lists files that belong in the static bundle rather than the
	// dynamic one.
	Static []string `json:"static,omitempty"`
}

// Project is the per-project configuration document.
type Project struct {
	Version string `json:"version,omitempty"`
	Name    string `json:"name"` // Required.
	Files   Files  `json:"files,omitempty"`

	// Only populated and consumed by Tandem. Never set by user.
	path string
}

// GetPath returns the filepath that the project config was parsed from. A
// getter method is used rather than making the field public so that it
// can't get set by the yaml unmarshalling.
func (c Project) GetPath() string {
	return c.path
}

func (c Project) getVersion() string {
	return c.Version
}

// The config file itself never syncs, and neither does the local log.
var alwaysIgnored = []string{ProjectConfigName, "tandem.log", ".git", ".git/**", "**.DS_Store"}

// ParseProject parses the project configuration in the directory `dir`.
func ParseProject(dir string) (Project, error) {
	configPath := filepath.Join(dir, ProjectConfigName)
	config := Project{
		path:    configPath,
		Version: InitialProjectConfigVersion,
	}
	if err := parseConfig(configPath, &config, SupportedProjectConfigVersion); err != nil {
		return Project{}, errors.WithContext(err, "parse")
	}

	if config.Name == "" {
		return Project{}, errors.NewFriendlyError(
			"The project defined in %q does not have a name set.\n"+
				"The name field in the project configuration is required.",
			configPath)
	}

	if err := pattern.Validate(config.Files.Ignore); err != nil {
		return Project{}, errors.WithContext(err, "validate ignore rules")
	}
	if err := pattern.Validate(config.Files.Static); err != nil {
		return Project{}, errors.WithContext(err, "validate static rules")
	}

	config.Files.Ignore = append(config.Files.Ignore, alwaysIgnored...)
	return config, nil
}
