package network

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"securicator/crypto"
)

func runManager(t *testing.T, options ConnectionOptions) *ConnectionManager {
	t.Helper()

	options.Logger = zerolog.Nop()
	manager, err := NewConnectionManager(options)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = manager.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return manager
}

// newScriptedRelay serves WebSocket connections with handle; n counts from 1.
func newScriptedRelay(t *testing.T, handle func(n int, conn *websocket.Conn)) (string, *atomic.Int32) {
	t.Helper()

	var count atomic.Int32
	upgrader := websocket.Upgrader{Subprotocols: []string{Subprotocol}}
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(int(count.Add(1)), conn)
	}))
	t.Cleanup(httpServer.Close)
	return "ws" + strings.TrimPrefix(httpServer.URL, "http"), &count
}

func TestNewConnectionManagerValidatesOptions(t *testing.T) {
	if _, err := NewConnectionManager(ConnectionOptions{PublicKey: "pk"}); !errors.Is(err, ErrMissingRelayURL) {
		t.Fatalf("expected ErrMissingRelayURL, got %v", err)
	}
	if _, err := NewConnectionManager(ConnectionOptions{URL: "ws://relay"}); !errors.Is(err, ErrMissingPublicKey) {
		t.Fatalf("expected ErrMissingPublicKey, got %v", err)
	}

	manager, err := NewConnectionManager(ConnectionOptions{URL: "ws://relay", PublicKey: "pk"})
	require.NoError(t, err)
	require.Equal(t, StateDisconnected, manager.State())
	require.ErrorIs(t, manager.Send([]byte("PING")), ErrNotConnected)
}

func TestReconnectBackOffNeverExceedsCap(t *testing.T) {
	policy := newReconnectBackOff(time.Second, 10*time.Second)

	var longest time.Duration
	for i := 0; i < 200; i++ {
		delay := policy.NextBackOff()
		require.Positive(t, delay)
		require.LessOrEqual(t, delay, 10*time.Second, "attempt %d", i)
		if delay > longest {
			longest = delay
		}
	}
	require.Equal(t, 10*time.Second, longest)
}

func TestConnectionManagerDeliversFramesInOrderToOneConsumer(t *testing.T) {
	server, httpServer := newTestRelay(t, ServerOptions{})

	var (
		mu       sync.Mutex
		received []string
		active   atomic.Int32
		overlap  atomic.Bool
	)
	connected := make(chan context.Context, 1)
	alice := runManager(t, ConnectionOptions{
		URL:       wsURL(httpServer),
		PublicKey: "alice",
		Handler: func(_ context.Context, frame Frame) {
			if active.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			received = append(received, frame.Sealed.EncryptedContent)
			mu.Unlock()
			active.Add(-1)
		},
		OnConnected: func(ctx context.Context) {
			select {
			case connected <- ctx:
			default:
			}
			<-ctx.Done()
		},
	})
	bob := runManager(t, ConnectionOptions{URL: wsURL(httpServer), PublicKey: "bob"})

	require.Eventually(t, func() bool {
		return server.BoundConnections("alice") == 1 && server.BoundConnections("bob") == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, StateConnected, alice.State())

	want := []string{"m1", "m2", "m3", "m4", "m5"}
	for _, body := range want {
		sealed := crypto.Sealed{Signature: "s", EncryptedSymmetricKey: "k", IV: "i", EncryptedContent: body}
		require.NoError(t, bob.SendFrame(RoutedFrame("bob", "alice", RetentionQueue, sealed)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == len(want)
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	require.Equal(t, want, received)
	mu.Unlock()
	require.False(t, overlap.Load(), "handler calls overlapped")

	select {
	case ctx := <-connected:
		require.NoError(t, ctx.Err())
	case <-time.After(2 * time.Second):
		t.Fatalf("OnConnected was not called")
	}
}

func TestConnectionManagerReconnectsAfterDrop(t *testing.T) {
	var (
		mu       sync.Mutex
		connects []string
	)
	url, count := newScriptedRelay(t, func(n int, conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		mu.Lock()
		connects = append(connects, string(data))
		mu.Unlock()
		if n == 1 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	sessions := make(chan context.Context, 4)
	manager := runManager(t, ConnectionOptions{
		URL:                   url,
		PublicKey:             "alice",
		PingInterval:          time.Hour,
		InitialReconnectDelay: 10 * time.Millisecond,
		MaxReconnectDelay:     50 * time.Millisecond,
		OnConnected: func(ctx context.Context) {
			select {
			case sessions <- ctx:
			default:
			}
			<-ctx.Done()
		},
	})

	require.Eventually(t, func() bool {
		return count.Load() == 2 && manager.State() == StateConnected && manager.Retries() == 0
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Equal(t, []string{"CONNECT alice", "CONNECT alice"}, connects)
	mu.Unlock()

	first := <-sessions
	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("first session context was not cancelled")
	}
}

func TestConnectionManagerPongTimeoutForcesReconnect(t *testing.T) {
	url, count := newScriptedRelay(t, func(_ int, conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	runManager(t, ConnectionOptions{
		URL:                   url,
		PublicKey:             "alice",
		PingInterval:          20 * time.Millisecond,
		PongTimeout:           60 * time.Millisecond,
		InitialReconnectDelay: 10 * time.Millisecond,
		MaxReconnectDelay:     20 * time.Millisecond,
	})

	require.Eventually(t, func() bool {
		return count.Load() >= 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestConnectionManagerStaysUpWhileRelayAnswersPings(t *testing.T) {
	server, httpServer := newTestRelay(t, ServerOptions{})

	var states []ConnectionState
	var mu sync.Mutex
	manager := runManager(t, ConnectionOptions{
		URL:          wsURL(httpServer),
		PublicKey:    "alice",
		PingInterval: 20 * time.Millisecond,
		PongTimeout:  500 * time.Millisecond,
		OnStateChange: func(state ConnectionState) {
			mu.Lock()
			states = append(states, state)
			mu.Unlock()
		},
	})

	require.Eventually(t, func() bool {
		return server.BoundConnections("alice") == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	require.Equal(t, StateConnected, manager.State())
	require.Equal(t, 0, manager.Retries())
	mu.Lock()
	require.Equal(t, []ConnectionState{StateConnecting, StateConnected}, states)
	mu.Unlock()
}
