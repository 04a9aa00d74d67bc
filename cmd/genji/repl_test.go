package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompactInput(t *testing.T) {
	assert.Equal(t, `{"a":1}`, compactInput([]byte(`{"a":1}`)))

	long := compactInput([]byte(strings.Repeat("x", 500)))
	assert.Len(t, long, 120)
	assert.True(t, strings.HasSuffix(long, "..."))
}

func TestComponentsStopIsNilSafe(t *testing.T) {
	c := &Components{}
	assert.NotPanics(t, func() { c.Stop() })
}

func TestRootCommandWiring(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["run"])
}
