package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	command, err := parseCommand([]string{"status"})
	require.NoError(t, err)
	assert.Equal(t, "status", command)
}

func TestParseCommandWithFlags(t *testing.T) {
	command, err := parseCommand([]string{"-dir", "sql", "up"})
	require.NoError(t, err)
	assert.Equal(t, "up", command)
	assert.Equal(t, "sql", *dir)
}

func TestParseCommandMissing(t *testing.T) {
	_, err := parseCommand(nil)
	assert.Error(t, err)
}
