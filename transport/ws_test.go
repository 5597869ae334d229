package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func freeAddr(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestWS(t *testing.T) {
	ws := NewWS(WSOptions{
		Addrs: map[string]string{"leader": freeAddr(t), "backup": freeAddr(t)},
		Log:   zap.NewNop().Sugar(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var server, client events
	ep, err := ws.Reserve("leader", server.handler())
	require.NoError(t, err)
	defer ep.Close()

	_, err = ws.Reserve("leader", HandlerFuncs{})
	assert.ErrorIs(t, err, ErrAddressInUse)
	_, err = ws.Reserve("nowhere", HandlerFuncs{})
	assert.ErrorIs(t, err, ErrUnknownAddress)

	require.NoError(t, ws.Probe(ctx, "leader"))
	assert.ErrorIs(t, ws.Probe(ctx, "backup"), ErrConnect)

	ch, err := ws.Connect(ctx, "member", "leader", client.handler())
	require.NoError(t, err)
	require.NoError(t, ch.Send([]byte(`{"kind":"register"}`)))

	assert.Eventually(t, func() bool {
		_, data, _ := server.snapshot()
		return len(data) == 1
	}, 2*time.Second, 5*time.Millisecond)
	opened, data, _ := server.snapshot()
	assert.Equal(t, []string{"member"}, opened, "probes are not surfaced")
	assert.Equal(t, `{"kind":"register"}`, data[0])

	require.NoError(t, ep.Close())
	assert.Eventually(t, func() bool {
		_, _, closed := client.snapshot()
		return len(closed) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, ch.IsOpen())
}

func TestWSSendWaitsForBuffer(t *testing.T) {
	ws := NewWS(WSOptions{
		Addrs:      map[string]string{"leader": freeAddr(t)},
		SendBuffer: 2,
		Log:        zap.NewNop().Sugar(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var server, client events
	ep, err := ws.Reserve("leader", server.handler())
	require.NoError(t, err)
	defer ep.Close()
	ch, err := ws.Connect(ctx, "member", "leader", client.handler())
	require.NoError(t, err)

	// far more frames than the buffer holds, sent without pause
	payload := strings.Repeat("x", 16*1024)
	const frames = 200
	for i := 0; i < frames; i++ {
		require.NoError(t, ch.Send([]byte(fmt.Sprintf("%03d%s", i, payload))))
	}

	require.Eventually(t, func() bool {
		_, data, _ := server.snapshot()
		return len(data) == frames
	}, 5*time.Second, 10*time.Millisecond)
	_, data, _ := server.snapshot()
	for i, d := range data {
		assert.Equal(t, fmt.Sprintf("%03d", i), d[:3])
	}

	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Send([]byte("late")), ErrClosed)
}
