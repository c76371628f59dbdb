package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	s := NewSession("c1")
	assert.Equal(t, StateConnecting, s.State())
	assert.False(t, s.IsConnected())

	require.NoError(t, s.Connect(Handshake{Username: "alice", ServerOffset: 5}))
	assert.True(t, s.IsConnected())
	assert.Equal(t, "alice", s.GetUsername())
	assert.Equal(t, int64(5), s.GetLastSeenOffset())

	err := s.Connect(Handshake{Username: "bob"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, "alice", s.GetUsername())

	assert.True(t, s.Disconnect())
	assert.False(t, s.Disconnect())
	assert.Equal(t, StateDisconnected, s.State())

	assert.ErrorIs(t, s.Connect(Handshake{}), ErrInvalidTransition)
}

func TestSessionHandshakeDefaults(t *testing.T) {
	s := NewSession("c1")
	require.NoError(t, s.Connect(Handshake{ServerOffset: -3}))

	assert.Equal(t, DefaultUsername, s.GetUsername())
	assert.Equal(t, int64(0), s.GetLastSeenOffset())
}

func TestSessionBeginReplay(t *testing.T) {
	t.Run("once per session", func(t *testing.T) {
		s := NewSession("c1")
		assert.False(t, s.BeginReplay(), "not connected yet")

		require.NoError(t, s.Connect(Handshake{Username: "alice"}))
		assert.True(t, s.BeginReplay())
		assert.False(t, s.BeginReplay())
	})

	t.Run("recovered sessions skip replay", func(t *testing.T) {
		s := NewSession("c2")
		require.NoError(t, s.Connect(Handshake{Username: "alice", Recovered: true}))
		assert.True(t, s.IsRecovered())
		assert.False(t, s.BeginReplay())
	})

	t.Run("disconnected sessions skip replay", func(t *testing.T) {
		s := NewSession("c3")
		require.NoError(t, s.Connect(Handshake{Username: "alice"}))
		s.Disconnect()
		assert.False(t, s.BeginReplay())
	})
}
