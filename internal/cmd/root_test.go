package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandStructure(t *testing.T) {
	assert.Equal(t, "repokeeper", rootCmd.Use)

	var names []string
	for _, sub := range rootCmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.Contains(t, names, "run")
	assert.Contains(t, names, "validate")
	assert.Contains(t, names, "health")
	assert.Contains(t, names, "version")
}

func TestExitError(t *testing.T) {
	err := &ExitError{Code: 2}
	assert.Equal(t, "exit code 2", err.Error())

	wrapped := &ExitError{Code: 1, Err: errors.New("run failed")}
	assert.Equal(t, "run failed", wrapped.Error())
	assert.EqualError(t, errors.Unwrap(wrapped), "run failed")

	var target *ExitError
	require.True(t, errors.As(fmt.Errorf("wrapping: %w", wrapped), &target))
	assert.Equal(t, 1, target.Code)
}
