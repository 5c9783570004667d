package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	closed bool
}

func (f *fakeConn) ReadMessage() (int, []byte, error)   { return 0, nil, errors.New("no data") }
func (f *fakeConn) WriteMessage(int, []byte) error      { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error     { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error    { return nil }
func (f *fakeConn) SetPongHandler(func(string) error)   {}
func (f *fakeConn) Close() error                        { f.closed = true; return nil }

func newTestSession(userID string) *Session {
	return NewSession(context.Background(), userID, &fakeConn{}, 8, time.Minute, time.Minute)
}

func TestRegistryPutGet(t *testing.T) {
	r := NewRegistry()
	s := newTestSession("user-1")

	prev := r.Put(s)
	assert.Nil(t, prev)

	got, ok := r.Get("user-1")
	require.True(t, ok)
	assert.Equal(t, s, got)
}

func TestRegistryPutSupersedesPrevious(t *testing.T) {
	r := NewRegistry()
	first := newTestSession("user-1")
	second := newTestSession("user-1")

	r.Put(first)
	prev := r.Put(second)

	require.NotNil(t, prev)
	assert.Equal(t, first, prev)

	got, ok := r.Get("user-1")
	require.True(t, ok)
	assert.Equal(t, second, got)
}

func TestRegistryRemoveOnlyIfCurrent(t *testing.T) {
	r := NewRegistry()
	first := newTestSession("user-1")
	second := newTestSession("user-1")

	r.Put(first)
	r.Put(second)

	removed := r.Remove(first)
	assert.False(t, removed, "stale session must not evict the current one")

	_, ok := r.Get("user-1")
	assert.True(t, ok)

	removed = r.Remove(second)
	assert.True(t, removed)

	_, ok = r.Get("user-1")
	assert.False(t, ok)
}

func TestRegistryLenAndForEach(t *testing.T) {
	r := NewRegistry()
	r.Put(newTestSession("user-1"))
	r.Put(newTestSession("user-2"))
	r.Put(newTestSession("user-3"))

	assert.Equal(t, 3, r.Len())

	seen := map[string]bool{}
	r.ForEach(func(userID string, session *Session) {
		seen[userID] = true
	})
	assert.Len(t, seen, 3)
}

func TestRegistryGetMissing(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("nobody")
	assert.False(t, ok)
}
