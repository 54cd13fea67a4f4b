package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("registers every subcommand", func(t *testing.T) {
		root := newRootCmd()
		for _, name := range []string{"publish", "subscribe", "command", "rpc-server", "rpc-call", "health"} {
			cmd, _, err := root.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, cmd.Name())
		}
	})

	t.Run("argument counts are checked before connecting", func(t *testing.T) {
		tests := [][]string{
			{"publish", "only-exchange"},
			{"subscribe"},
			{"rpc-call", "queue"},
			{"command"},
			{"health", "extra"},
		}
		for _, args := range tests {
			root := newRootCmd()
			root.SetArgs(args)
			root.SetOut(&bytes.Buffer{})
			root.SetErr(&bytes.Buffer{})
			assert.Error(t, root.Execute(), args)
		}
	})

	t.Run("invalid configuration is rejected", func(t *testing.T) {
		root := newRootCmd()
		root.SetArgs([]string{"--url", "http://nope", "publish", "ex", "msg"})
		root.SetOut(&bytes.Buffer{})
		root.SetErr(&bytes.Buffer{})
		assert.ErrorContains(t, root.Execute(), "invalid configuration")
	})
}
