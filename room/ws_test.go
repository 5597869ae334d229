package room

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aranachat/room/transport"
)

func freeAddr(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// TestWSRoomFullSizeFrames runs a leader and a member over real websockets
// with the production read limit, a full replay and a largest upload.
func TestWSRoomFullSizeFrames(t *testing.T) {
	ws := transport.NewWS(transport.WSOptions{
		Addrs: map[string]string{
			PrimaryIdentity("test"): freeAddr(t),
			BackupIdentity("test"):  freeAddr(t),
		},
		ReadMessageSizeLimit: 65536,
		Log:                  zap.NewNop().Sugar(),
	})
	overWS := func(o *Options) {
		o.Protocol.ProbeTimeout = 500 * time.Millisecond
		o.Protocol.ConnectTimeout = 2 * time.Second
		o.Protocol.OfflineAfter = 10 * time.Second
		o.Protocol.ChunkSize = 16 * 1024
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	leader := startPeer(t, ws, "leader", overWS)
	leader.waitRole(t, PrimaryLeader, "")
	content := strings.Repeat("é", 5000)
	var ids []string
	for i := 0; i < 50; i++ {
		m, err := leader.Send(ctx, content, nil)
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	member := startPeer(t, ws, "member", overWS)
	member.waitRole(t, Member, PrimaryIdentity("test"))
	require.Eventually(t, func() bool {
		return len(member.snapshot(t).History) == len(ids)
	}, 5*time.Second, 10*time.Millisecond)
	for _, id := range ids {
		m, ok := member.message(t, id)
		require.True(t, ok, id)
		assert.Equal(t, content, m.Content)
	}

	data := bytes.Repeat([]byte{0xff, 0xd8, 0x42, 0x00}, 100*16*1024/4)
	id, err := member.Upload(ctx, "image/jpeg", data)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		c, ok, err := leader.Image(ctx, id)
		return err == nil && ok && bytes.Equal(c.Data, data)
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, Member, member.snapshot(t).Role, "the member never dropped its leader")
}
