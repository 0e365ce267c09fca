package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func fastPolicy() ReconnectPolicy {
	return ReconnectPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
}

func TestDialer_ConnectAndIntentionalClose(t *testing.T) {
	serverRec := newRecorder()
	logger := zaptest.NewLogger(t)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		NewSession(conn, serverRec, DefaultConfig(), logger).Start()
	}))
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	connected := make(chan *Session, 1)
	onConnect := func(s *Session) {
		env, _ := NewEnvelope(TypeRegister, RegisterPayload{ID: "agent-1", Version: "1.0.0"})
		_ = s.Send(env)
		connected <- s
	}

	d := NewDialer(wsURL, newRecorder(), DefaultConfig(), fastPolicy(), onConnect, logger)
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(context.Background()) }()

	var session *Session
	select {
	case session = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("dialer never connected")
	}

	require.Eventually(t, func() bool { return serverRec.count() >= 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, TypeRegister, serverRec.frame(0).Type, "register goes out on connect")

	require.NoError(t, session.Close(true))
	select {
	case err := <-runDone:
		assert.NoError(t, err, "an intentional close ends Run cleanly")
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after intentional close")
	}
}

func TestDialer_ReconnectsAfterDrop(t *testing.T) {
	logger := zaptest.NewLogger(t)
	upgrader := websocket.Upgrader{}
	var accepts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		n := accepts.Add(1)
		if n == 1 {
			// Drop the first connection immediately to force a reconnect.
			_ = conn.Close()
			return
		}
		NewSession(conn, newRecorder(), DefaultConfig(), logger).Start()
	}))
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	d := NewDialer(wsURL, newRecorder(), DefaultConfig(), fastPolicy(), nil, logger)
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(context.Background()) }()

	require.Eventually(t, func() bool { return accepts.Load() >= 2 },
		3*time.Second, 10*time.Millisecond, "dialer redials after an unexpected drop")

	d.Close()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestDialer_ExhaustsAttempts(t *testing.T) {
	// A server that is already gone refuses every dial.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	ts.Close()

	d := NewDialer(wsURL, newRecorder(), DefaultConfig(),
		ReconnectPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		nil, zaptest.NewLogger(t))

	err := d.Run(context.Background())
	require.Error(t, err)
}

func TestDialer_ContextCancel(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDialer(wsURL, newRecorder(), DefaultConfig(), fastPolicy(), nil, zaptest.NewLogger(t))
	err := d.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
