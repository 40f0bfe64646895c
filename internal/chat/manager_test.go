package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-app/parley/internal/directory"
	"github.com/parley-app/parley/internal/signaling"
)

type typingRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *typingRecorder) MarkTyping(peerID, roomID string, typing bool) {
	r.mu.Lock()
	state := "stop"
	if typing {
		state = "start"
	}
	r.calls = append(r.calls, peerID+"/"+roomID+"/"+state)
	r.mu.Unlock()
}

func (r *typingRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func openStore(t *testing.T) *directory.Store {
	t.Helper()
	s, err := directory.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSendDeliversToPeerAndPersists(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	storeA := openStore(t)
	storeB := openStore(t)

	a := New(hub.Endpoint("alice"), storeA, "alice", zerolog.Nop())
	b := New(hub.Endpoint("bob"), storeB, "bob", zerolog.Nop())
	t.Cleanup(func() { a.Close(); b.Close() })

	require.NoError(t, a.JoinRoom("room-1"))
	require.NoError(t, b.JoinRoom("room-1"))

	got, cancel := b.Subscribe()
	defer cancel()

	sent, err := a.Send("room-1", "hello bob")
	require.NoError(t, err)
	assert.True(t, sent.Own)
	assert.NotEmpty(t, sent.ID)

	select {
	case msg := <-got:
		assert.Equal(t, sent.ID, msg.ID, "message identity survives the relay")
		assert.Equal(t, "hello bob", msg.Body)
		assert.Equal(t, "alice", msg.SenderID)
		assert.False(t, msg.Own)
	case <-time.After(time.Second):
		t.Fatal("message never arrived")
	}

	// Both sides persisted it.
	fromA, err := storeA.RecentMessages("room-1", 10)
	require.NoError(t, err)
	fromB, err := storeB.RecentMessages("room-1", 10)
	require.NoError(t, err)
	require.Len(t, fromA, 1)
	require.Len(t, fromB, 1)
	assert.Equal(t, sent.ID, fromB[0].ID)
}

func TestSendRejectsEmptyBody(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	m := New(hub.Endpoint("alice"), nil, "alice", zerolog.Nop())
	t.Cleanup(func() { m.Close() })

	_, err := m.Send("room-1", "")
	assert.Error(t, err)
}

func TestHistoryWarmsFromStore(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	store := openStore(t)
	require.NoError(t, store.SaveMessage(directory.Message{
		ID: "m1", RoomID: "room-1", SenderID: "bob", Body: "earlier",
		CreatedAt: time.Now().Add(-time.Hour),
	}))

	m := New(hub.Endpoint("alice"), store, "alice", zerolog.Nop())
	t.Cleanup(func() { m.Close() })
	require.NoError(t, m.JoinRoom("room-1"))

	hist := m.History("room-1")
	require.Len(t, hist, 1)
	assert.Equal(t, "m1", hist[0].ID)
	assert.False(t, hist[0].Own)
}

func TestTypingIndicatorsReachSink(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	a := New(hub.Endpoint("alice"), nil, "alice", zerolog.Nop())
	b := New(hub.Endpoint("bob"), nil, "bob", zerolog.Nop())
	t.Cleanup(func() { a.Close(); b.Close() })

	rec := &typingRecorder{}
	b.SetTypingSink(rec)
	require.NoError(t, b.JoinRoom("room-1"))

	a.SetTyping("room-1", true)
	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "alice/room-1/start", rec.snapshot()[0])

	a.SetTyping("room-1", false)
	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "alice/room-1/stop", rec.snapshot()[1])
}

func TestCloseStopsDelivery(t *testing.T) {
	hub := signaling.NewLoopbackHub()
	m := New(hub.Endpoint("alice"), nil, "alice", zerolog.Nop())
	require.NoError(t, m.JoinRoom("room-1"))

	ch, _ := m.Subscribe()
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, ok := <-ch
	assert.False(t, ok, "listener channels close with the manager")
	assert.Error(t, m.JoinRoom("room-2"))
}
