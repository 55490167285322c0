package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitQueues(t *testing.T) {
	assert.Equal(t, []string{"critical", "default"}, splitQueues("critical,default"))
	assert.Equal(t, []string{"critical", "default"}, splitQueues(" critical , default "))
	assert.Equal(t, []string{"default"}, splitQueues("default,"))
	assert.Empty(t, splitQueues(""))
}

func TestNewRootCmdSubcommands(t *testing.T) {
	root := newRootCmd()

	expected := []string{"worker", "beat", "serve", "enqueue", "status", "revoke", "migrate"}
	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	for _, name := range expected {
		assert.Contains(t, names, name)
	}
}
