package cmd

import (
	"bytes"
	"testing"

	"github.com/SharpBit/statsy/statsy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := statsy.Version
	originalCommitSHA := statsy.CommitSHA
	originalBuildTime := statsy.BuildTime
	t.Cleanup(
		func() {
			statsy.Version = originalVersion
			statsy.CommitSHA = originalCommitSHA
			statsy.BuildTime = originalBuildTime
		},
	)

	statsy.Version = "2.1.0"
	statsy.CommitSHA = "abc123"
	statsy.BuildTime = "2026-01-01T12:00:00Z"

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	t.Cleanup(func() { rootCmd.SetOut(nil) })

	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(
		t,
		"version=2.1.0 commit=abc123 built: 2026-01-01T12:00:00Z",
		out.String(),
	)
}
