package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// recorder is a Handler that collects frames and close notifications.
type recorder struct {
	mu     sync.Mutex
	frames []Envelope
	closed chan error
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan error, 1)}
}

func (r *recorder) HandleFrame(s *Session, env Envelope) {
	r.mu.Lock()
	r.frames = append(r.frames, env)
	r.mu.Unlock()
}

func (r *recorder) HandleClose(s *Session, err error) {
	select {
	case r.closed <- err:
	default:
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recorder) frame(i int) Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[i]
}

// sessionPair dials a loopback websocket and wraps both ends in sessions.
func sessionPair(t *testing.T, cfg Config) (client, server *Session, clientRec, serverRec *recorder) {
	t.Helper()

	clientRec = newRecorder()
	serverRec = newRecorder()
	logger := zaptest.NewLogger(t)

	upgrader := websocket.Upgrader{}
	serverReady := make(chan *Session, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		s := NewSession(conn, serverRec, cfg, logger)
		s.Start()
		serverReady <- s
	}))
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	client = NewSession(conn, clientRec, cfg, logger)
	client.Start()

	select {
	case server = <-serverReady:
	case <-time.After(2 * time.Second):
		t.Fatal("server session never established")
	}

	t.Cleanup(func() {
		_ = client.Close(true)
		_ = server.Close(true)
	})
	return client, server, clientRec, serverRec
}

func TestSession_Exchange(t *testing.T) {
	client, server, clientRec, serverRec := sessionPair(t, DefaultConfig())

	env, err := NewEnvelope(TypeTaskHeartbeat, TaskHeartbeatPayload{Progress: "halfway"})
	require.NoError(t, err)
	require.NoError(t, client.Send(env))

	require.Eventually(t, func() bool { return serverRec.count() >= 1 },
		2*time.Second, 10*time.Millisecond)
	got := serverRec.frame(0)
	assert.Equal(t, TypeTaskHeartbeat, got.Type)

	var hb TaskHeartbeatPayload
	require.NoError(t, got.Decode(&hb))
	assert.Equal(t, "halfway", hb.Progress)

	// And the other direction.
	reply, err := NewEnvelope(TypeTaskCancel, TaskCancelPayload{Reason: "user cancelled"})
	require.NoError(t, err)
	require.NoError(t, server.Send(reply))

	require.Eventually(t, func() bool { return clientRec.count() >= 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, TypeTaskCancel, clientRec.frame(0).Type)
}

func TestSession_PingAnsweredInline(t *testing.T) {
	client, _, clientRec, serverRec := sessionPair(t, DefaultConfig())

	ping, err := NewEnvelope(TypePing, PingPayload{Timestamp: time.Now().UnixMilli()})
	require.NoError(t, err)
	require.NoError(t, client.Send(ping))

	// The server answers with a pong that never reaches either handler.
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, serverRec.count(), "pings are absorbed by the session")
	assert.Zero(t, clientRec.count(), "pongs are absorbed by the session")
}

func TestSession_MalformedFrameSkipped(t *testing.T) {
	cfg := DefaultConfig()

	serverRec := newRecorder()
	logger := zaptest.NewLogger(t)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		NewSession(conn, serverRec, cfg, logger).Start()
	}))
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	valid, err := NewEnvelope(TypeTaskHeartbeat, TaskHeartbeatPayload{Progress: "ok"})
	require.NoError(t, err)
	data, err := json.Marshal(valid)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	require.Eventually(t, func() bool { return serverRec.count() == 1 },
		2*time.Second, 10*time.Millisecond, "garbage is dropped, the session survives")
	assert.Equal(t, TypeTaskHeartbeat, serverRec.frame(0).Type)
}

func TestSession_CloseNotifiesHandler(t *testing.T) {
	client, server, _, serverRec := sessionPair(t, DefaultConfig())

	require.NoError(t, client.Close(false))

	select {
	case <-serverRec.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server handler never saw the close")
	}
	require.Eventually(t, func() bool { return !server.Alive() },
		2*time.Second, 10*time.Millisecond)

	err := client.Send(Envelope{Type: TypePing})
	require.Error(t, err, "sends after close fail fast")
}

func TestSession_IntentionalClose(t *testing.T) {
	client, _, clientRec, _ := sessionPair(t, DefaultConfig())

	require.NoError(t, client.Close(true))
	assert.True(t, client.Intentional())

	select {
	case <-clientRec.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("client handler never saw the close")
	}
}

func TestSession_BindAgent(t *testing.T) {
	client, _, _, _ := sessionPair(t, DefaultConfig())

	assert.Empty(t, client.AgentID())
	client.BindAgent("agent-7")
	assert.Equal(t, "agent-7", client.AgentID())
	assert.NotEmpty(t, client.ID())
}
