package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-dev/tandem/pkg/errors"
)

func TestParseProject(t *testing.T) {
	fs = afero.NewMemMapFs()
	writeConfig(t, "/project/tandem.yaml", `
name: demo
files:
  ignore:
    - "out/**"
  static:
    - "**.pdf"
`)

	project, err := ParseProject("/project")
	require.NoError(t, err)
	assert.Equal(t, "demo", project.Name)
	assert.Equal(t, "/project/tandem.yaml", project.GetPath())
	assert.Equal(t, []string{"**.pdf"}, project.Files.Static)
	assert.Contains(t, project.Files.Ignore, "out/**")

	// The config file itself is always ignored.
	assert.Contains(t, project.Files.Ignore, ProjectConfigName)
}

func TestParseProjectRequiresName(t *testing.T) {
	fs = afero.NewMemMapFs()
	writeConfig(t, "/project/tandem.yaml", `
files:
  ignore:
    - "out/**"
`)

	_, err := ParseProject("/project")
	assert.Error(t, err)
}

func TestParseProjectRejectsBadRules(t *testing.T) {
	fs = afero.NewMemMapFs()
	writeConfig(t, "/project/tandem.yaml", `
name: demo
files:
  ignore:
    - "[oops"
`)

	_, err := ParseProject("/project")
	assert.Error(t, err)
}

func TestParseProjectRejectsUnknownVersion(t *testing.T) {
	fs = afero.NewMemMapFs()
	writeConfig(t, "/project/tandem.yaml", `
version: v9
name: demo
`)

	_, err := ParseProject("/project")
	assert.Error(t, err)
}

func TestParseProjectMissingFile(t *testing.T) {
	fs = afero.NewMemMapFs()

	_, err := ParseProject("/project")
	require.Error(t, err)
	assert.IsType(t, errors.FileNotFound{}, errors.RootCause(err))
}

func writeConfig(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, []byte(contents), 0644))
}
