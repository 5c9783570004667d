package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingxin403/im-gateway/wire"
)

func TestDispatcherDeliversToLocalSession(t *testing.T) {
	registry := NewRegistry()
	session := newTestSession("user-1")
	registry.Put(session)
	session.Activate()

	d := NewDispatcher(registry, nil)

	msg := routedMessage{MessageID: "m1", Code: 1001, IDs: []string{"user-1"}, Payload: json.RawMessage(`{"text":"hi"}`)}
	value, err := json.Marshal(msg)
	require.NoError(t, err)

	err = d.Handle(context.Background(), nil, BrokerMessage{Value: value})
	require.NoError(t, err)

	select {
	case payload := <-session.send:
		frame, err := wire.Unmarshal(payload)
		require.NoError(t, err)
		assert.Equal(t, int32(1001), frame.Code)
	default:
		t.Fatal("expected a frame to be enqueued")
	}
}

func TestDispatcherFansOutToMultipleRecipients(t *testing.T) {
	registry := NewRegistry()
	local := newTestSession("user-1")
	registry.Put(local)

	d := NewDispatcher(registry, nil)
	msg := routedMessage{MessageID: "m1", Code: 1001, IDs: []string{"user-1", "user-2"}, Payload: json.RawMessage(`{}`)}
	value, err := json.Marshal(msg)
	require.NoError(t, err)

	err = d.Handle(context.Background(), nil, BrokerMessage{Value: value})
	require.NoError(t, err)

	assert.Len(t, local.send, 1)
}

func TestDispatcherMissingTargetIsNotAnError(t *testing.T) {
	registry := NewRegistry()
	d := NewDispatcher(registry, nil)

	msg := routedMessage{MessageID: "m1", Code: 1001, IDs: []string{"nobody"}, Payload: json.RawMessage(`{}`)}
	value, err := json.Marshal(msg)
	require.NoError(t, err)

	err = d.Handle(context.Background(), nil, BrokerMessage{Value: value})
	assert.NoError(t, err)
}

func TestDispatcherInvalidMessageIsAnError(t *testing.T) {
	registry := NewRegistry()
	d := NewDispatcher(registry, nil)

	err := d.Handle(context.Background(), nil, BrokerMessage{Value: []byte("not json")})
	assert.Error(t, err)
}

func TestDispatcherMissingIDsIsAnError(t *testing.T) {
	registry := NewRegistry()
	d := NewDispatcher(registry, nil)

	msg := routedMessage{MessageID: "m1", Code: 1001, Payload: json.RawMessage(`{}`)}
	value, err := json.Marshal(msg)
	require.NoError(t, err)

	err = d.Handle(context.Background(), nil, BrokerMessage{Value: value})
	assert.Error(t, err)
}

func TestDispatcherFullQueueDoesNotError(t *testing.T) {
	registry := NewRegistry()
	session := newTestSession("user-1")
	// Fill the queue (capacity 8 from newTestSession) to force a drop.
	for i := 0; i < 8; i++ {
		session.send <- []byte("x")
	}
	registry.Put(session)

	d := NewDispatcher(registry, nil)
	msg := routedMessage{MessageID: "m1", Code: 1001, IDs: []string{"user-1"}, Payload: json.RawMessage(`{}`)}
	value, err := json.Marshal(msg)
	require.NoError(t, err)

	err = d.Handle(context.Background(), nil, BrokerMessage{Value: value})
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, session.State())
}
