package network

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"securicator/crypto"
)

func newTestRelay(t *testing.T, options ServerOptions) (*Server, *httptest.Server) {
	t.Helper()

	options.Logger = zerolog.Nop()
	server := NewServer(options)
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		_ = server.Close()
		httpServer.Close()
	})
	return server, httpServer
}

func wsURL(httpServer *httptest.Server) string {
	return "ws" + strings.TrimPrefix(httpServer.URL, "http")
}

func dialRelay(t *testing.T, httpServer *httptest.Server) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	conn, _, err := dialer.Dial(wsURL(httpServer), nil)
	require.NoError(t, err)
	require.Equal(t, Subprotocol, conn.Subprotocol())
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func bindAs(t *testing.T, server *Server, conn *websocket.Conn, publicKey string) {
	t.Helper()

	before := server.BoundConnections(publicKey)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, ConnectFrame(publicKey).Encode()))
	require.Eventually(t, func() bool {
		return server.BoundConnections(publicKey) == before+1
	}, 2*time.Second, 10*time.Millisecond)
}

func sendText(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func readFrame(t *testing.T, conn *websocket.Conn) (int, string) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return messageType, string(data)
}

// expectSilence must be the last read on conn: a timed-out gorilla conn cannot be read again.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame %q", data)
}

func routed(from, to string, retention Retention, body string) string {
	sealed := crypto.Sealed{Signature: "s", EncryptedSymmetricKey: "k", IV: "i", EncryptedContent: body}
	return string(RoutedFrame(from, to, retention, sealed).Encode())
}

func TestRelayAnswersPing(t *testing.T) {
	_, httpServer := newTestRelay(t, ServerOptions{})
	conn := dialRelay(t, httpServer)

	sendText(t, conn, "PING")
	_, got := readFrame(t, conn)
	require.Equal(t, "PONG", got)
}

func TestRelayForwardsToEveryDeviceExceptSender(t *testing.T) {
	server, httpServer := newTestRelay(t, ServerOptions{})

	alicePhone := dialRelay(t, httpServer)
	aliceLaptop := dialRelay(t, httpServer)
	bob := dialRelay(t, httpServer)
	bindAs(t, server, alicePhone, "alice")
	bindAs(t, server, aliceLaptop, "alice")
	bindAs(t, server, bob, "bob")

	fromBob := routed("bob", "alice", RetentionDrop, "hello")
	sendText(t, bob, fromBob)
	for _, conn := range []*websocket.Conn{alicePhone, aliceLaptop} {
		_, got := readFrame(t, conn)
		require.Equal(t, fromBob, got)
	}

	toSelf := routed("alice", "alice", RetentionQueue, "sync")
	sendText(t, alicePhone, toSelf)
	_, got := readFrame(t, aliceLaptop)
	require.Equal(t, toSelf, got)
	require.Zero(t, server.QueueLen())
	expectSilence(t, alicePhone)
}

func TestRelayQueuesForOfflineRecipientAndFlushesInOrder(t *testing.T) {
	server, httpServer := newTestRelay(t, ServerOptions{})

	bob := dialRelay(t, httpServer)
	bindAs(t, server, bob, "bob")

	first := routed("bob", "carol", RetentionQueue, "first")
	dropped := routed("bob", "carol", RetentionDrop, "heartbeat")
	second := routed("bob", "carol", RetentionQueue, "second")
	sendText(t, bob, first)
	sendText(t, bob, dropped)
	sendText(t, bob, second)
	require.Eventually(t, func() bool { return server.QueueLen() == 2 }, 2*time.Second, 10*time.Millisecond)

	carol := dialRelay(t, httpServer)
	bindAs(t, server, carol, "carol")

	_, got := readFrame(t, carol)
	require.Equal(t, first, got)
	_, got = readFrame(t, carol)
	require.Equal(t, second, got)
	require.Zero(t, server.QueueLen())
	expectSilence(t, carol)
}

func TestRelayFlushesBacklogLargerThanSendBuffer(t *testing.T) {
	server, httpServer := newTestRelay(t, ServerOptions{SendBufferSize: 8})

	alice := dialRelay(t, httpServer)
	bindAs(t, server, alice, "alice")

	queued := make([]string, 50)
	for i := range queued {
		queued[i] = routed("alice", "bob", RetentionQueue, fmt.Sprintf("m%02d", i))
		sendText(t, alice, queued[i])
	}
	require.Eventually(t, func() bool { return server.QueueLen() == len(queued) }, 2*time.Second, 10*time.Millisecond)

	bob := dialRelay(t, httpServer)
	bindAs(t, server, bob, "bob")
	require.Zero(t, server.QueueLen())

	live := routed("alice", "bob", RetentionQueue, "live")
	sendText(t, alice, live)

	for _, want := range queued {
		_, got := readFrame(t, bob)
		require.Equal(t, want, got)
	}
	_, got := readFrame(t, bob)
	require.Equal(t, live, got)
	require.Equal(t, 1, server.BoundConnections("bob"))
}

func TestRelaySenderDoesNotCountAsRecipient(t *testing.T) {
	server, httpServer := newTestRelay(t, ServerOptions{})

	phone := dialRelay(t, httpServer)
	bindAs(t, server, phone, "alice")

	offer := routed("alice", "alice", RetentionQueue, "offer")
	sendText(t, phone, offer)
	require.Eventually(t, func() bool { return server.QueueLen() == 1 }, 2*time.Second, 10*time.Millisecond)

	laptop := dialRelay(t, httpServer)
	bindAs(t, server, laptop, "alice")
	_, got := readFrame(t, laptop)
	require.Equal(t, offer, got)
}

func TestRelayPreservesBinaryFraming(t *testing.T) {
	server, httpServer := newTestRelay(t, ServerOptions{})

	bob := dialRelay(t, httpServer)
	bindAs(t, server, bob, "bob")

	payload := routed("bob", "dave", RetentionQueue, "binary")
	require.NoError(t, bob.WriteMessage(websocket.BinaryMessage, []byte(payload)))
	require.Eventually(t, func() bool { return server.QueueLen() == 1 }, 2*time.Second, 10*time.Millisecond)

	dave := dialRelay(t, httpServer)
	bindAs(t, server, dave, "dave")
	messageType, got := readFrame(t, dave)
	require.Equal(t, websocket.BinaryMessage, messageType)
	require.Equal(t, payload, got)
}

func TestRelayQueueEvictsOldestWhenFull(t *testing.T) {
	server, httpServer := newTestRelay(t, ServerOptions{MaxQueueSize: 3})

	bob := dialRelay(t, httpServer)
	bindAs(t, server, bob, "bob")

	frames := []string{
		routed("bob", "erin", RetentionQueue, "1"),
		routed("bob", "erin", RetentionQueue, "2"),
		routed("bob", "erin", RetentionQueue, "3"),
		routed("bob", "erin", RetentionQueue, "4"),
	}
	for _, frame := range frames {
		sendText(t, bob, frame)
	}
	// PONG proves every frame before it was routed.
	sendText(t, bob, "PING")
	_, pong := readFrame(t, bob)
	require.Equal(t, "PONG", pong)
	require.Equal(t, 3, server.QueueLen())

	erin := dialRelay(t, httpServer)
	bindAs(t, server, erin, "erin")
	for _, want := range frames[1:] {
		_, got := readFrame(t, erin)
		require.Equal(t, want, got)
	}
}

func TestRelayIgnoresMalformedFrames(t *testing.T) {
	_, httpServer := newTestRelay(t, ServerOptions{})
	conn := dialRelay(t, httpServer)

	sendText(t, conn, "")
	sendText(t, conn, "CONNECT")
	sendText(t, conn, "a b 7 CONTACT_MESSAGE s k i c")
	sendText(t, conn, "PING")

	_, got := readFrame(t, conn)
	require.Equal(t, "PONG", got)
}

func TestRelayUnbindsOnDisconnect(t *testing.T) {
	server, httpServer := newTestRelay(t, ServerOptions{})

	conn := dialRelay(t, httpServer)
	bindAs(t, server, conn, "frank")
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return server.BoundConnections("frank") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayRateLimitsUpgradesPerIP(t *testing.T) {
	_, httpServer := newTestRelay(t, ServerOptions{UpgradeRate: 0.001, UpgradeBurst: 1})

	dialRelay(t, httpServer)

	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	_, resp, err := dialer.Dial(wsURL(httpServer), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestRelayHealthAndMetricsEndpoints(t *testing.T) {
	server, httpServer := newTestRelay(t, ServerOptions{})

	resp, err := http.Get(httpServer.URL + "/healthz")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", string(body))

	conn := dialRelay(t, httpServer)
	bindAs(t, server, conn, "gina")

	resp, err = http.Get(httpServer.URL + "/metrics")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), "securicator_relay_bound_keys 1")
	require.Contains(t, string(body), `securicator_relay_frames_received_total{kind="connect"} 1`)
}
