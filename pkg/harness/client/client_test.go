package client

import (
	"context"
	"testing"
	"time"

	"github.com/kaizen-agent/kaizen/pkg/harness/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_StartReapsWorkerThatNeverAnswers(t *testing.T) {
	tt := map[string]struct {
		command []string
	}{
		"worker exits immediately": {
			command: []string{"sh", "-c", "exit 3"},
		},
		"worker never speaks": {
			command: []string{"sh", "-c", "exec sleep 30"},
		},
	}

	for tn, tc := range tt {
		t.Run(tn, func(t *testing.T) {
			c := New(Options{Command: tc.command}).(*client)

			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()

			err := c.Start(ctx, &protocol.InitializeParams{})
			require.Error(t, err)
			require.NotNil(t, c.cmd)
			assert.NotNil(t, c.cmd.ProcessState, "worker process was not waited for")
		})
	}
}

func TestClient_CallWithoutConnection(t *testing.T) {
	c := New(Options{})

	_, err := c.Invoke(context.Background(), &protocol.InvokeParams{Entry: "e"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}
