package presence

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-app/parley/internal/signaling"
)

func TestUpsertMarksOnline(t *testing.T) {
	tab := NewTable(time.Minute, zerolog.Nop())
	defer tab.Close()

	tab.Upsert("p1", "Alice")
	p, ok := tab.Get("p1")
	require.True(t, ok)
	assert.True(t, p.Online)
	assert.Equal(t, "Alice", p.Name)

	// A nameless heartbeat keeps the known name.
	tab.Upsert("p1", "")
	p, _ = tab.Get("p1")
	assert.Equal(t, "Alice", p.Name)
}

func TestPeerExpiresAfterTTL(t *testing.T) {
	tab := NewTable(60*time.Millisecond, zerolog.Nop())
	defer tab.Close()

	tab.Upsert("p1", "Alice")
	require.Eventually(t, func() bool {
		p, ok := tab.Get("p1")
		return ok && !p.Online
	}, 2*time.Second, 10*time.Millisecond, "peer should go offline without heartbeats")

	// A fresh heartbeat brings it back.
	tab.Upsert("p1", "")
	p, _ := tab.Get("p1")
	assert.True(t, p.Online)
}

func TestMarkTyping(t *testing.T) {
	tab := NewTable(time.Minute, zerolog.Nop())
	defer tab.Close()

	tab.MarkTyping("p1", "room-1", true)
	p, ok := tab.Get("p1")
	require.True(t, ok)
	assert.True(t, p.TypingIn("room-1"))
	assert.False(t, p.TypingIn("room-2"))

	tab.MarkTyping("p1", "room-1", false)
	p, _ = tab.Get("p1")
	assert.False(t, p.TypingIn("room-1"))
}

func TestSubscribeSeesUpdates(t *testing.T) {
	tab := NewTable(time.Minute, zerolog.Nop())
	defer tab.Close()

	ch, cancel := tab.Subscribe()
	defer cancel()

	tab.Upsert("p1", "Alice")
	select {
	case e := <-ch:
		assert.Equal(t, "update", e.Type)
		assert.Equal(t, "p1", e.PeerID)
		require.NotNil(t, e.Peer)
		assert.True(t, e.Peer.Online)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	tab.Remove("p1")
	select {
	case e := <-ch:
		assert.Equal(t, "remove", e.Type)
	case <-time.After(time.Second):
		t.Fatal("no remove event")
	}
	_, ok := tab.Get("p1")
	assert.False(t, ok)
}

func TestWatchFeedsHeartbeats(t *testing.T) {
	tab := NewTable(time.Minute, zerolog.Nop())
	defer tab.Close()

	hub := signaling.NewLoopbackHub()
	alice := hub.Endpoint("alice")
	bob := hub.Endpoint("bob")

	ch, cancel, err := bob.Subscribe("room-1")
	require.NoError(t, err)
	defer cancel()
	tab.Watch(ch)

	require.NoError(t, alice.Send("room-1", signaling.Message{Type: signaling.TypePresence, Name: "Alice"}))
	require.Eventually(t, func() bool {
		p, ok := tab.Get("alice")
		return ok && p.Online && p.Name == "Alice"
	}, time.Second, 5*time.Millisecond)

	// Non-presence traffic is ignored.
	require.NoError(t, alice.Send("room-1", signaling.Message{Type: signaling.TypeChat, Body: "hi"}))
	snap := tab.Snapshot()
	assert.Len(t, snap, 1)
}

func TestSnapshotCopies(t *testing.T) {
	tab := NewTable(time.Minute, zerolog.Nop())
	defer tab.Close()

	tab.Upsert("p1", "Alice")
	tab.Upsert("p2", "Bob")

	snap := tab.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "Alice", snap["p1"].Name)
}
