package signaling

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectMessages registers a handler that appends every inbound message to
// a slice guarded by a mutex.
func collectMessages(ch Channel) (*sync.Mutex, *[]Message) {
	var mu sync.Mutex
	var got []Message
	ch.SetHandler(func(msg Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})
	return &mu, &got
}

func waitForMessages(t *testing.T, mu *sync.Mutex, got *[]Message, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(*got)
		mu.Unlock()
		if n >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages", want)
}

func TestPipeDelivery(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	mu, got := collectMessages(b)

	err := a.Send(context.Background(), Message{SessionID: "sess-1", Type: MsgAccept})
	require.NoError(t, err)

	waitForMessages(t, mu, got, 1)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "sess-1", (*got)[0].SessionID)
	assert.Equal(t, MsgAccept, (*got)[0].Type)
}

func TestPipePreservesOrder(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	mu, got := collectMessages(b)

	const n = 20
	for i := 0; i < n; i++ {
		err := a.Send(context.Background(), Message{
			SessionID: fmt.Sprintf("sess-%02d", i),
			Type:      MsgAccept,
		})
		require.NoError(t, err)
	}

	waitForMessages(t, mu, got, n)
	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("sess-%02d", i), (*got)[i].SessionID,
			"messages must arrive in send order")
	}
}

func TestPipeSendAfterClose(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, a.Close())
	_ = b

	err := a.Send(context.Background(), Message{SessionID: "sess-1", Type: MsgAccept})
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestPipeSendToClosedPeer(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	require.NoError(t, b.Close())

	// Keep sending until the peer's buffer is exhausted; every result must be
	// nil or ErrChannelClosed, never a hang.
	for i := 0; i < 100; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		err := a.Send(ctx, Message{SessionID: "sess-1", Type: MsgAccept})
		cancel()
		if err != nil {
			assert.ErrorIs(t, err, ErrChannelClosed)
			return
		}
	}
}

func TestPipeRejectsInvalidEnvelope(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	err := a.Send(context.Background(), Message{Type: MsgAccept})
	assert.ErrorIs(t, err, ErrChannelSend, "missing session id must fail validation")
}

func TestPipeCloseIdempotent(t *testing.T) {
	a, b := Pipe()
	defer b.Close()
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}
