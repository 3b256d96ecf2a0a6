package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmdRejectsExtraArgs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"10.0.0.1", "10.0.0.2"})
	require.Error(t, cmd.Execute())
}

func TestRootCmdRejectsIPv6ReportAddress(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--port", "0", "::1"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to select local address")
}
