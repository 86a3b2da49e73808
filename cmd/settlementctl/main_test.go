package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_Commands(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"migrate"},
		{"fees", "load"},
		{"jobs", "counts"},
		{"webhooks", "redrive"},
		{"intents", "reevaluate"},
		{"intents", "compensate"},
		{"intents", "sweep"},
		{"idempotency", "purge"},
		{"wallets", "disable"},
		{"wallets", "enable"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestIntents_RejectBadID(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "reevaluate", args: []string{"intents", "reevaluate", "not-a-uuid"}, want: "intents reevaluate: invalid id"},
		{name: "compensate", args: []string{"intents", "compensate", "42"}, want: "intents compensate: invalid id"},
		{name: "missing argument", args: []string{"intents", "compensate"}, want: "accepts 1 arg(s)"},
		{name: "wallet disable", args: []string{"wallets", "disable", "w-1"}, want: "wallets disable: invalid id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newRootCmd()
			root.SetOut(&bytes.Buffer{})
			root.SetErr(&bytes.Buffer{})
			root.SetArgs(tt.args)
			err := root.ExecuteContext(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestFeesLoad_MissingFile(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"fees", "load", t.TempDir() + "/absent.yaml"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fees load")
}

func TestIntentsSweep_RejectsNonPositiveFlags(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"intents", "sweep", "--limit", "0"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be positive")
}
