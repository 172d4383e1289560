package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arsac/h1relay/internal/stream"
)

func TestThrottleTransition(t *testing.T) {
	t.Parallel()

	window := stream.Frame{Type: stream.FrameWindow, Credit: 10}
	reset := stream.Frame{Type: stream.FrameReset}

	tests := []struct {
		name       string
		state      ConnState
		frame      stream.Frame
		wantState  ConnState
		wantEffect throttleEffect
	}{
		{"credit while idle", StateIdle, window, StateIdle, effectCredit},
		{"credit while in use", StateInUse, window, StateInUse, effectCredit},
		{"credit while retiring", StateRetiring, window, StateRetiring, effectCredit},
		{"credit once closed", StateClosed, window, StateClosed, effectNone},
		{"zero credit", StateInUse, stream.Frame{Type: stream.FrameWindow}, StateInUse, effectNone},
		{"negative credit", StateInUse, stream.Frame{Type: stream.FrameWindow, Credit: -4}, StateInUse, effectNone},
		{"reset while idle", StateIdle, reset, StateRetiring, effectRetire},
		{"reset while in use", StateInUse, reset, StateRetiring, effectRetire},
		{"reset while retiring", StateRetiring, reset, StateRetiring, effectRetire},
		{"reset once closed", StateClosed, reset, StateClosed, effectNone},
		{"data ignored", StateInUse, stream.Frame{Type: stream.FrameData}, StateInUse, effectNone},
		{"begin ignored", StateIdle, stream.Frame{Type: stream.FrameBegin}, StateIdle, effectNone},
		{"unknown ignored", StateInUse, stream.Frame{Type: stream.FrameType(42)}, StateInUse, effectNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			state, effect := throttleTransition(tt.state, tt.frame)
			assert.Equal(t, tt.wantState, state)
			assert.Equal(t, tt.wantEffect, effect)
		})
	}
}

func TestConnection_WindowOnlyGrowsThroughGrants(t *testing.T) {
	t.Parallel()

	f := newPoolFixture(1)
	pool := f.pools.Supply("R", 0)
	g := newGrants()
	pool.Acquire(g.to("A1"))
	conn := g.conns["A1"]

	assert.Equal(t, 0, conn.Window())

	require.ErrorIs(t, conn.Write([]byte("x")), ErrInsufficientWindow)
	assert.Equal(t, 0, conn.Window())

	f.router.throttle("R", conn.StreamID(), stream.Frame{Type: stream.FrameWindow, Credit: 5})
	f.router.throttle("R", conn.StreamID(), stream.Frame{Type: stream.FrameWindow, Credit: 3})
	assert.Equal(t, 8, conn.Window())

	require.NoError(t, conn.Write([]byte("hello")))
	assert.Equal(t, 3, conn.Window())
	require.ErrorIs(t, conn.Write([]byte("four")), ErrInsufficientWindow)
	assert.Equal(t, 3, conn.Window())

	data := f.router.framesOf("R", stream.FrameData)
	require.Len(t, data, 1)
	assert.Equal(t, []byte("hello"), data[0].Payload)
}

func TestConnection_WindowSaturates(t *testing.T) {
	t.Parallel()

	f := newPoolFixture(1)
	pool := f.pools.Supply("R", 0)
	g := newGrants()
	pool.Acquire(g.to("A1"))
	conn := g.conns["A1"]

	f.router.throttle("R", conn.StreamID(), stream.Frame{Type: stream.FrameWindow, Credit: math.MaxInt32})
	f.router.throttle("R", conn.StreamID(), stream.Frame{Type: stream.FrameWindow, Credit: math.MaxInt32})

	assert.Equal(t, math.MaxInt32, conn.Window())
}

func TestConnection_NoWritesAfterEnd(t *testing.T) {
	t.Parallel()

	f := newPoolFixture(1)
	pool := f.pools.Supply("R", 0)
	g := newGrants()
	pool.Acquire(g.to("A1"))
	conn := g.conns["A1"]
	f.router.throttle("R", conn.StreamID(), stream.Frame{Type: stream.FrameWindow, Credit: 100})

	conn.MarkNonPersistent()
	assert.Equal(t, StateRetiring, conn.State())
	pool.Release(conn, true)

	require.ErrorIs(t, conn.Write([]byte("late")), ErrEndSent)
	assert.Empty(t, f.router.framesOf("R", stream.FrameData))
}

func TestConnState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "in-use", StateInUse.String())
	assert.Equal(t, "state(9)", ConnState(9).String())
}
