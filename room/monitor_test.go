package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatMarksSilentUsersOffline(t *testing.T) {
	start := time.UnixMilli(1_700_000_000_000)
	now := start
	n := newDispatchNode(t, start)
	n.now = func() time.Time { return now }
	n.role = PrimaryLeader
	n.identity = "test_admin1"
	watcher := newFakeChannel("watcher")
	n.registry.Add("watcher", watcher)

	n.upsertUser(User{Identity: n.identity, Name: "me", Online: true, LastSeen: millis(start)})
	silent := map[string]time.Duration{
		"fresh":  0,
		"quiet":  29 * time.Second,
		"edge":   30 * time.Second,
		"gone":   31 * time.Second,
		"longer": 5 * time.Minute,
	}
	at := start.Add(5 * time.Minute)
	for id, d := range silent {
		n.upsertUser(User{Identity: id, Name: id, Online: true, LastSeen: millis(at.Add(-d))})
	}
	n.upsertUser(User{Identity: "watcher", Name: "watcher", Online: true, LastSeen: millis(at)})

	now = at
	n.proto.OfflineAfter = 30 * time.Second
	n.heartbeat()

	tests := []struct {
		id     string
		online bool
	}{
		{"fresh", true},
		{"quiet", true},
		{"edge", true},
		{"gone", false},
		{"longer", false},
		{"watcher", true},
		{"test_admin1", true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			u, ok := n.users[tt.id]
			require.True(t, ok, "entries are never removed")
			assert.Equal(t, tt.online, u.Online)
		})
	}
	assert.Equal(t, millis(at), n.users["test_admin1"].LastSeen)

	lists := framesOf(watcher, KindUserList)
	require.Len(t, lists, 1)
	assert.Len(t, lists[0].Users, len(silent)+2)
	assert.Len(t, framesOf(watcher, KindHeartbeat), 1)

	// nothing changed, so no roster goes out
	n.heartbeat()
	assert.Len(t, framesOf(watcher, KindUserList), 1)
	assert.Len(t, framesOf(watcher, KindHeartbeat), 2)

	// the leader's own entry stays online however long it has been
	now = at.Add(time.Hour)
	n.users["watcher"].LastSeen = millis(now)
	n.heartbeat()
	assert.True(t, n.users["test_admin1"].Online)

	gone := newFakeChannel("gone")
	n.registry.Add("gone", gone)
	n.touch(gone)
	assert.True(t, n.users["gone"].Online)
	assert.Equal(t, millis(now), n.users["gone"].LastSeen)
}

func TestMemberRosterSyncKeepsEntries(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	n := newDispatchNode(t, now)
	n.role = Member
	n.leaderID = "test_admin1"
	leader := newFakeChannel("test_admin1")
	n.registry.Add("test_admin1", leader)

	n.dispatch(leader, rawFrame(t, Frame{Kind: KindUserList, SenderIdentity: "test_admin1", Users: []User{
		{Identity: "alice", Online: true}, {Identity: "bob", Online: true},
	}}))
	n.dispatch(leader, rawFrame(t, Frame{Kind: KindAutoSync, SenderIdentity: "test_admin1", Users: []User{
		{Identity: "alice", Online: false},
	}}))

	require.Len(t, n.roster(), 2)
	assert.False(t, n.users["alice"].Online)
	assert.True(t, n.users["bob"].Online)
}
