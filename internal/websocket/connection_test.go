package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Test WebSocket upgrader for creating test connections
var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// peer is the far end of a test connection. Frames it receives land on
// frames; a close frame lands on closeCode.
type peer struct {
	frames    chan []byte
	closeCode chan int
}

// Architectural Validation Tests
func TestConnection_InterfaceCompliance(t *testing.T) {
	var _ interfaces.Connection = &Connection{}
}

// Functional Validation Tests
func TestConnection_NewConnectionInitialization(t *testing.T) {
	ws, _ := createTestWebSocketConnection(t)

	conn := NewConnection(context.Background(), ws, ConnConfig{}, nil)
	defer conn.Close()

	assert.True(t, types.IsValidID(conn.ID()))
	assert.Equal(t, StateConnecting, conn.State())
	assert.Equal(t, DefaultConnConfig().SendQueue, cap(conn.sendCh))
	assert.False(t, conn.IsAuthenticated())
	assert.Empty(t, conn.UserID())
}

func TestConnection_AuthenticationFlow(t *testing.T) {
	ws, _ := createTestWebSocketConnection(t)
	conn := NewConnection(context.Background(), ws, DefaultConnConfig(), nil)
	defer conn.Close()

	require.NoError(t, conn.Authenticate(types.Identity{UserID: "u1", Role: types.RoleUser}))
	assert.Equal(t, StateAuthenticated, conn.State())
	assert.True(t, conn.IsAuthenticated())
	assert.Equal(t, "u1", conn.UserID())

	// Re-authentication may refresh the role of the same user.
	require.NoError(t, conn.Authenticate(types.Identity{UserID: "u1", Role: types.RoleAdmin}))
	assert.Equal(t, types.RoleAdmin, conn.Identity().Role)

	err := conn.Authenticate(types.Identity{UserID: "u2", Role: types.RoleUser})
	assert.Equal(t, types.KindForbidden, types.KindOf(err))
	assert.Equal(t, "u1", conn.UserID())

	assert.Error(t, conn.Authenticate(types.Identity{}))
}

func TestConnection_RoomStateTransitions(t *testing.T) {
	ws, _ := createTestWebSocketConnection(t)
	conn := NewConnection(context.Background(), ws, DefaultConnConfig(), nil)
	defer conn.Close()

	// Joining before authentication does not skip a state.
	conn.RoomJoined("r0")
	assert.Equal(t, StateConnecting, conn.State())
	conn.RoomLeft("r0")

	require.NoError(t, conn.Authenticate(types.Identity{UserID: "u1", Role: types.RoleUser}))

	conn.RoomJoined("r1")
	conn.RoomJoined("r2")
	assert.Equal(t, StateJoined, conn.State())
	assert.ElementsMatch(t, []string{"r1", "r2"}, conn.Rooms())

	conn.RoomLeft("r1")
	assert.Equal(t, StateJoined, conn.State())
	conn.RoomLeft("r2")
	assert.Equal(t, StateAuthenticated, conn.State())
	assert.True(t, conn.IsAuthenticated())
}

func TestConnection_SendDeliversFrame(t *testing.T) {
	ws, p := createTestWebSocketConnection(t)
	conn := NewConnection(context.Background(), ws, DefaultConnConfig(), nil)
	defer conn.Close()

	require.NoError(t, conn.Send(types.Event{Name: types.EventNewMessage, Data: map[string]string{"content": "hi"}}))

	select {
	case frame := <-p.frames:
		assert.Equal(t, types.EventNewMessage, gjson.GetBytes(frame, "event").String())
		assert.Equal(t, "hi", gjson.GetBytes(frame, "data.content").String())
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestConnection_SendPreservesOrder(t *testing.T) {
	ws, p := createTestWebSocketConnection(t)
	conn := NewConnection(context.Background(), ws, DefaultConnConfig(), nil)
	defer conn.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, conn.Send(types.Event{Name: "seq", Data: i}))
	}
	for i := 0; i < 20; i++ {
		select {
		case frame := <-p.frames:
			assert.Equal(t, int64(i), gjson.GetBytes(frame, "data").Int())
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d not delivered", i)
		}
	}
}

func TestConnection_SendInvalidData(t *testing.T) {
	ws, _ := createTestWebSocketConnection(t)
	conn := NewConnection(context.Background(), ws, DefaultConnConfig(), nil)
	defer conn.Close()

	err := conn.Send(types.Event{Name: "bad", Data: func() {}})
	assert.ErrorIs(t, err, ErrInvalidJSON)
}

func TestConnection_SendQueueFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// No writer goroutine drains this connection.
	conn := &Connection{sendCh: make(chan outbound, 1), ctx: ctx, cancel: cancel}

	require.NoError(t, conn.Send(types.Event{Name: "one"}))
	assert.ErrorIs(t, conn.Send(types.Event{Name: "two"}), ErrSendQueueFull)
}

func TestConnection_FlushWaitsForLastFrame(t *testing.T) {
	ws, p := createTestWebSocketConnection(t)
	conn := NewConnection(context.Background(), ws, DefaultConnConfig(), nil)

	for i := 0; i < 20; i++ {
		require.NoError(t, conn.Send(types.Event{Name: "seq", Data: i}))
	}
	require.True(t, conn.Flush(2*time.Second))
	// Closing right after Flush must not cut off the tail of the queue.
	require.NoError(t, conn.Close())

	for i := 0; i < 20; i++ {
		select {
		case frame := <-p.frames:
			assert.Equal(t, int64(i), gjson.GetBytes(frame, "data").Int())
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d lost after flush", i)
		}
	}
}

func TestConnection_FlushGivesUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// No writer goroutine drains this connection.
	conn := &Connection{sendCh: make(chan outbound, 1), ctx: ctx, cancel: cancel}

	start := time.Now()
	assert.False(t, conn.Flush(30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	cancel()
	assert.False(t, conn.Flush(time.Minute))
}

func TestConnection_CloseIdempotent(t *testing.T) {
	ws, _ := createTestWebSocketConnection(t)
	conn := NewConnection(context.Background(), ws, DefaultConnConfig(), nil)

	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())

	assert.Equal(t, StateClosed, conn.State())
	assert.False(t, conn.IsAuthenticated())
	conn.Wait()
}

func TestConnection_SendAfterClose(t *testing.T) {
	ws, _ := createTestWebSocketConnection(t)
	conn := NewConnection(context.Background(), ws, DefaultConnConfig(), nil)
	require.NoError(t, conn.Close())

	assert.ErrorIs(t, conn.Send(types.Event{Name: "late"}), ErrConnectionClosed)
}

func TestConnection_ParentCancellationCloses(t *testing.T) {
	ws, _ := createTestWebSocketConnection(t)
	parent, cancel := context.WithCancel(context.Background())
	conn := NewConnection(parent, ws, DefaultConnConfig(), nil)

	cancel()
	conn.Wait()

	assert.Equal(t, StateClosed, conn.State())
	select {
	case <-conn.Context().Done():
	default:
		t.Fatal("connection context should be cancelled")
	}
}

func TestConnection_CloseWithReason(t *testing.T) {
	ws, p := createTestWebSocketConnection(t)
	conn := NewConnection(context.Background(), ws, DefaultConnConfig(), nil)

	require.NoError(t, conn.CloseWithReason(websocket.ClosePolicyViolation, "invalid_token"))

	select {
	case code := <-p.closeCode:
		assert.Equal(t, websocket.ClosePolicyViolation, code)
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not see a close frame")
	}
}

func TestConnection_PingKeepsPeerAlive(t *testing.T) {
	pings := make(chan struct{}, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.SetPingHandler(func(string) error {
			select {
			case pings <- struct{}{}:
			default:
			}
			return nil
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)

	cfg := DefaultConnConfig()
	cfg.PingInterval = 20 * time.Millisecond
	conn := NewConnection(context.Background(), ws, cfg, nil)
	defer conn.Close()

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping received")
	}
}

// Technical Validation Tests (Race Detection)
func TestConnection_ConcurrentSends(t *testing.T) {
	ws, _ := createTestWebSocketConnection(t)
	conn := NewConnection(context.Background(), ws, ConnConfig{SendQueue: 1000}, nil)
	defer conn.Close()

	const numGoroutines = 10
	const messagesPerGoroutine = 10

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < messagesPerGoroutine; j++ {
				_ = conn.Send(types.Event{Name: "load", Data: map[string]int{"worker": id, "message": j}})
			}
		}(i)
	}
	wg.Wait()
}

func TestConnection_ConcurrentCloseAndSend(t *testing.T) {
	ws, _ := createTestWebSocketConnection(t)
	conn := NewConnection(context.Background(), ws, DefaultConnConfig(), nil)
	require.NoError(t, conn.Authenticate(types.Identity{UserID: "u1", Role: types.RoleUser}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = conn.Send(types.Event{Name: "x"})
			_ = conn.Identity()
		}()
		go func() {
			defer wg.Done()
			_ = conn.Close()
		}()
	}
	wg.Wait()

	assert.Equal(t, StateClosed, conn.State())
}

// createTestWebSocketConnection dials a throwaway server and returns the
// client side plus the server's view of what it received.
func createTestWebSocketConnection(t *testing.T) (*websocket.Conn, *peer) {
	t.Helper()
	p := &peer{frames: make(chan []byte, 64), closeCode: make(chan int, 1)}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer ws.Close()

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					p.closeCode <- ce.Code
				}
				return
			}
			p.frames <- data
		}
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "Failed to create test WebSocket connection")
	t.Cleanup(func() { _ = ws.Close() })
	return ws, p
}
