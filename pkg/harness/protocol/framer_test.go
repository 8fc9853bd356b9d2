package protocol

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/jsonrpc2"
)

func TestLineReader_Read(t *testing.T) {
	tt := map[string]struct {
		input     string
		expectLen int64
		expectErr bool
		expectEOF bool
	}{
		"call": {
			input:     `{"jsonrpc":"2.0","id":1,"method":"invoke"}` + "\n",
			expectLen: 42,
		},
		"notification": {
			input:     `{"jsonrpc":"2.0","method":"log"}` + "\n",
			expectLen: 32,
		},
		"blank lines are skipped": {
			input:     "\n\n" + `{"jsonrpc":"2.0","method":"log"}` + "\n",
			expectLen: 32,
		},
		"empty input": {
			input:     "",
			expectEOF: true,
		},
		"malformed json": {
			input:     `{not json}` + "\n",
			expectErr: true,
		},
	}

	for tn, tc := range tt {
		t.Run(tn, func(t *testing.T) {
			reader := LineFramer().Reader(strings.NewReader(tc.input))

			msg, n, err := reader.Read(context.Background())
			if tc.expectEOF {
				assert.ErrorIs(t, err, io.EOF)
				return
			}
			if tc.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expectLen, n)
			assert.NotNil(t, msg)
		})
	}
}

func TestLineReader_ReadCanceled(t *testing.T) {
	reader := LineFramer().Reader(strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"invoke"}` + "\n"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := reader.Read(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLineReader_LargeMessage(t *testing.T) {
	source := strings.Repeat("x = 1\n", 40000)
	call, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(7), MethodLoadModule, LoadModuleParams{Name: "agent", Source: source})
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = LineFramer().Writer(&buf).Write(context.Background(), call)
	require.NoError(t, err)
	require.Greater(t, buf.Len(), 64*1024)

	msg, _, err := LineFramer().Reader(&buf).Read(context.Background())
	require.NoError(t, err)
	req, ok := msg.(*jsonrpc2.Request)
	require.True(t, ok)
	assert.Equal(t, MethodLoadModule, req.Method)
}

func TestLineWriter_Write(t *testing.T) {
	tt := map[string]struct {
		msg jsonrpc2.Message
	}{
		"call": {
			msg: mustCall(t, 1, MethodInvoke, nil),
		},
		"notification": {
			msg: mustNotification(t, MethodLog, LogParams{Level: "info", Message: "hi"}),
		},
	}

	for tn, tc := range tt {
		t.Run(tn, func(t *testing.T) {
			var buf bytes.Buffer
			n, err := LineFramer().Writer(&buf).Write(context.Background(), tc.msg)
			require.NoError(t, err)
			assert.Equal(t, int64(buf.Len()), n)
			assert.True(t, bytes.HasSuffix(buf.Bytes(), []byte("\n")))
			assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("\n")))
		})
	}
}

func TestLineWriter_WriteCanceled(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := LineFramer().Writer(&buf).Write(ctx, mustCall(t, 1, MethodInvoke, nil))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, buf.Len())
}

func TestRoundTrip(t *testing.T) {
	tt := map[string]struct {
		method string
		id     int64
	}{
		"initialize": {method: MethodInitialize, id: 1},
		"invoke":     {method: MethodInvoke, id: 42},
	}

	for tn, tc := range tt {
		t.Run(tn, func(t *testing.T) {
			var buf bytes.Buffer
			framer := LineFramer()

			_, err := framer.Writer(&buf).Write(context.Background(), mustCall(t, tc.id, tc.method, nil))
			require.NoError(t, err)

			msg, _, err := framer.Reader(&buf).Read(context.Background())
			require.NoError(t, err)

			req, ok := msg.(*jsonrpc2.Request)
			require.True(t, ok, "expected request message")
			assert.Equal(t, tc.method, req.Method)
			assert.Equal(t, jsonrpc2.Int64ID(tc.id), req.ID)
		})
	}
}

func mustCall(t *testing.T, id int64, method string, params any) *jsonrpc2.Request {
	t.Helper()
	req, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(id), method, params)
	require.NoError(t, err)
	return req
}

func mustNotification(t *testing.T, method string, params any) *jsonrpc2.Request {
	t.Helper()
	req, err := jsonrpc2.NewNotification(method, params)
	require.NoError(t, err)
	return req
}
