package broker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	nextSockID int
	bound      map[int][4]byte
	failBind   bool
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{bound: make(map[int][4]byte)}
}

func (h *fakeHandler) Create(ownerPID int32) (int, error) {
	id := h.nextSockID
	h.nextSockID++
	return id, nil
}

func (h *fakeHandler) Bind(sockID int, localIP [4]byte, localPort uint16, remoteIP [4]byte, remotePort uint16) error {
	if h.failBind {
		return errors.New("bind rejected")
	}
	h.bound[sockID] = remoteIP
	return nil
}

func (h *fakeHandler) Close(sockID int) error {
	delete(h.bound, sockID)
	return nil
}

func startTestServer(t *testing.T, handler Handler) (*Client, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.sock")
	srv, err := NewServer(path, handler, nil)
	require.Nil(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()

	return NewClient(path), func() {
		cancel()
		srv.Close()
		<-done
	}
}

func TestCreateAndBindRoundTrip(t *testing.T) {
	handler := newFakeHandler()
	client, stop := startTestServer(t, handler)
	defer stop()

	sockID, err := client.Create(1234)
	require.Nil(t, err)
	assert.Equal(t, 0, sockID)

	err = client.Bind(sockID, [4]byte{127, 0, 0, 1}, 5000, [4]byte{127, 0, 0, 1}, 5001)
	require.Nil(t, err)
	assert.Equal(t, [4]byte{127, 0, 0, 1}, handler.bound[sockID])
}

func TestBindFailurePropagatesAsError(t *testing.T) {
	handler := newFakeHandler()
	handler.failBind = true
	client, stop := startTestServer(t, handler)
	defer stop()

	sockID, err := client.Create(1234)
	require.Nil(t, err)

	err = client.Bind(sockID, [4]byte{127, 0, 0, 1}, 5000, [4]byte{127, 0, 0, 1}, 5001)
	assert.NotNil(t, err)
}

func TestClientFailsWhenDaemonNotRunning(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "nobody-listening.sock"))
	_, err := client.Create(1234)
	assert.NotNil(t, err)
	assert.True(t, errors.Is(err, ErrDaemonUnavailable))
}

func TestMultipleSequentialRequests(t *testing.T) {
	handler := newFakeHandler()
	client, stop := startTestServer(t, handler)
	defer stop()

	for i := 0; i < 5; i++ {
		sockID, err := client.Create(1234)
		require.Nil(t, err)
		assert.Equal(t, i, sockID)
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	handler := newFakeHandler()
	path := filepath.Join(t.TempDir(), "broker.sock")
	srv, err := NewServer(path, handler, nil)
	require.Nil(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}
