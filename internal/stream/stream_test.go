package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequence_MonotonicAndTagged(t *testing.T) {
	t.Parallel()

	s := NewSequence(3)

	var last uint64
	for range 100 {
		id := s.NextStreamID()
		require.Greater(t, id, last)
		assert.Equal(t, 3, OwnerOf(id))
		last = id
	}

	c1 := s.NextCorrelationID()
	c2 := s.NextCorrelationID()
	assert.Less(t, c1, c2)
	assert.Equal(t, 3, OwnerOf(c2))
}

func TestSequence_OwnersDoNotCollide(t *testing.T) {
	t.Parallel()

	a := NewSequence(0)
	b := NewSequence(1)

	assert.NotEqual(t, a.NextCorrelationID(), b.NextCorrelationID())
}

func TestNewSequence_RejectsOutOfRangeOwner(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { NewSequence(MaxOwners) })
	assert.Panics(t, func() { NewSequence(-1) })
}

func TestHeaders_Lookup(t *testing.T) {
	t.Parallel()

	h := Headers{
		{Name: HeaderStatus, Value: "200"},
		{Name: "Set-Cookie", Value: "a=1"},
		{Name: "set-cookie", Value: "b=2"},
	}

	v, ok := h.Get("SET-COOKIE")
	require.True(t, ok)
	assert.Equal(t, "a=1", v)
	assert.Equal(t, []string{"a=1", "b=2"}, h.Values("set-cookie"))
	assert.False(t, h.Has("content-length"))
}

func TestHeaders_EncodedSize(t *testing.T) {
	t.Parallel()

	// "host: a\r\n" + "\r\n"
	h := Headers{{Name: "host", Value: "a"}}
	assert.Equal(t, 11, h.EncodedSize())
	assert.Equal(t, 2, Headers(nil).EncodedSize())
}

func TestWriter_EmitsFrames(t *testing.T) {
	t.Parallel()

	var got []Frame
	target := MessageConsumer(func(f Frame) { got = append(got, f) })

	w := Writer{}
	w.DoHTTPBegin(target, 7, 0, 42, Headers{{Name: HeaderStatus, Value: "503"}})
	w.DoData(target, 7, []byte("x"))
	w.DoWindow(target, 7, 16)
	w.DoEndOfMessage(target, 7)
	w.DoHTTPEnd(target, 7)
	w.DoReset(nil, 7)

	require.Len(t, got, 5)
	assert.Equal(t, FrameBegin, got[0].Type)
	assert.Equal(t, uint64(42), got[0].CorrelationID)
	status, _ := got[0].Headers.Get(HeaderStatus)
	assert.Equal(t, "503", status)
	assert.Equal(t, FrameData, got[1].Type)
	assert.Equal(t, 16, got[2].Credit)
	assert.Equal(t, FrameData, got[3].Type)
	assert.True(t, got[3].EndOfMessage())
	assert.Empty(t, got[3].Payload)
	assert.Equal(t, FrameEnd, got[4].Type)
	assert.False(t, got[1].EndOfMessage())
}

func TestFrameType_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "reset", FrameReset.String())
	assert.Equal(t, "frame(99)", FrameType(99).String())
}
