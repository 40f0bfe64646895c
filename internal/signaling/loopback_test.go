package signaling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message")
		return Message{}
	}
}

func TestLoopbackDeliversToOtherEndpoints(t *testing.T) {
	hub := NewLoopbackHub()
	a := hub.Endpoint("a")
	b := hub.Endpoint("b")

	chB, cancelB, err := b.Subscribe("room-1")
	require.NoError(t, err)
	defer cancelB()

	require.NoError(t, a.Send("room-1", Message{Type: TypeChat, Body: "hi"}))

	msg := recv(t, chB)
	assert.Equal(t, TypeChat, msg.Type)
	assert.Equal(t, "hi", msg.Body)
	assert.Equal(t, "a", msg.From, "sender identity is stamped by the relay")
	assert.Equal(t, "room-1", msg.Room)
}

func TestLoopbackNoSelfEcho(t *testing.T) {
	hub := NewLoopbackHub()
	a := hub.Endpoint("a")

	chA, cancel, err := a.Subscribe("room-1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, a.Send("room-1", Message{Type: TypeChat, Body: "to myself"}))

	select {
	case msg := <-chA:
		t.Fatalf("sender must not see its own message, got %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoopbackRoomIsolation(t *testing.T) {
	hub := NewLoopbackHub()
	a := hub.Endpoint("a")
	b := hub.Endpoint("b")

	other, cancel, err := b.Subscribe("room-2")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, a.Send("room-1", Message{Type: TypeChat, Body: "wrong room"}))

	select {
	case msg := <-other:
		t.Fatalf("message leaked across rooms: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoopbackCancelClosesChannel(t *testing.T) {
	hub := NewLoopbackHub()
	b := hub.Endpoint("b")

	ch, cancel, err := b.Subscribe("room-1")
	require.NoError(t, err)
	cancel()
	cancel() // second cancel is harmless

	_, ok := <-ch
	assert.False(t, ok)
}

func TestLoopbackClosedEndpointRefusesUse(t *testing.T) {
	hub := NewLoopbackHub()
	a := hub.Endpoint("a")

	ch, _, err := a.Subscribe("room-1")
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, ok := <-ch
	assert.False(t, ok, "subscriptions close with the endpoint")

	require.ErrorIs(t, a.Send("room-1", Message{Type: TypeChat}), ErrRelayUnavailable)
	_, _, err = a.Subscribe("room-1")
	require.ErrorIs(t, err, ErrRelayUnavailable)
}
