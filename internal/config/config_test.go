package config_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/pgrewind/internal/config"
)

func parse(t *testing.T, args ...string) (config.Options, error) {
	t.Helper()
	var out bytes.Buffer
	return config.Parse(args, "test", &out)
}

func TestParseLocalSource(t *testing.T) {
	o, err := parse(t, "-D", "/data/target", "--source-pgdata", "/data/source", "-n", "-v")
	require.NoError(t, err)
	assert.Equal(t, "/data/target", o.TargetDir)
	assert.Equal(t, "/data/source", o.SourceDir)
	assert.True(t, o.DryRun)
	assert.True(t, o.Verbose)
	assert.False(t, o.Remote())
}

func TestParseRemoteSource(t *testing.T) {
	o, err := parse(t, "--target-pgdata", "/data/target",
		"--source-server", "host=primary port=5432 dbname=postgres")
	require.NoError(t, err)
	assert.True(t, o.Remote())
}

func TestParseRejectsMissingTarget(t *testing.T) {
	_, err := parse(t, "--source-pgdata", "/data/source")
	var uerr *config.UsageError
	require.ErrorAs(t, err, &uerr)
}

func TestParseRejectsBothAndNeitherSource(t *testing.T) {
	var uerr *config.UsageError

	_, err := parse(t, "-D", "/t")
	require.ErrorAs(t, err, &uerr)

	_, err = parse(t, "-D", "/t", "--source-pgdata", "/s", "--source-server", "host=x")
	require.ErrorAs(t, err, &uerr)
}

func TestParseRejectsStrayArguments(t *testing.T) {
	_, err := parse(t, "-D", "/t", "--source-pgdata", "/s", "stray")
	var uerr *config.UsageError
	require.ErrorAs(t, err, &uerr)
}

func TestVersionAndHelpExitZero(t *testing.T) {
	var out bytes.Buffer
	_, err := config.Parse([]string{"--version"}, "1.2.3", &out)
	require.ErrorIs(t, err, config.ErrExitZero)
	assert.Contains(t, out.String(), "1.2.3")

	out.Reset()
	_, err = config.Parse([]string{"--help"}, "1.2.3", &out)
	require.ErrorIs(t, err, config.ErrExitZero)
	assert.Contains(t, out.String(), "--target-pgdata")
}
