package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/SaeedHaddad/ChatApp/internal/models"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// attachConn はテスト用サーバー経由で接続をハブに登録し、クライアント側の接続を返します
func attachConn(t *testing.T, hub *Hub, id string) (*websocket.Conn, *Client) {
	t.Helper()
	attached := make(chan *Client, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c, err := hub.Attach(id, conn)
		if err != nil {
			conn.Close()
			close(attached)
			return
		}
		attached <- c
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c, ok := <-attached
	require.True(t, ok, "attach failed")
	return conn, c
}

func readEvent(t *testing.T, conn *websocket.Conn) models.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev models.Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	return ev
}

func expectNoEvent(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestHub_BroadcastExcludesSender(t *testing.T) {
	hub := NewHub(discardLogger(), 0)
	alice, ca := attachConn(t, hub, "a")
	bob, cb := attachConn(t, hub, "b")
	defer hub.Release(ca)
	defer hub.Release(cb)

	hub.Subscribe("lobby", "a")
	hub.Subscribe("lobby", "b")
	assert.Equal(t, 2, hub.RoomSize("lobby"))

	n := hub.Broadcast("lobby", models.Event{Type: models.EventMessage, Payload: "hi"}, "a")
	assert.Equal(t, 1, n)

	ev := readEvent(t, bob)
	assert.Equal(t, models.EventMessage, ev.Type)
	assert.Equal(t, "hi", ev.Payload)

	n = hub.Broadcast("lobby", models.Event{Type: models.EventPong}, "")
	assert.Equal(t, 2, n)
	// alice の最初の受信が pong なら、最初の配信は届いていない
	assert.Equal(t, models.EventPong, readEvent(t, alice).Type)
	assert.Equal(t, models.EventPong, readEvent(t, bob).Type)
}

func TestHub_RoomsAreIsolated(t *testing.T) {
	hub := NewHub(discardLogger(), 0)
	alice, ca := attachConn(t, hub, "a")
	bob, cb := attachConn(t, hub, "b")
	defer hub.Release(ca)
	defer hub.Release(cb)

	hub.Subscribe("A", "a")
	hub.Subscribe("B", "b")

	assert.Equal(t, 1, hub.Broadcast("A", models.Event{Type: models.EventPong}, ""))
	assert.Equal(t, models.EventPong, readEvent(t, alice).Type)
	expectNoEvent(t, bob)
}

func TestHub_SendTo(t *testing.T) {
	hub := NewHub(discardLogger(), 0)
	alice, ca := attachConn(t, hub, "a")
	defer hub.Release(ca)

	assert.True(t, hub.SendTo("a", models.Event{Type: models.EventPong}))
	assert.Equal(t, models.EventPong, readEvent(t, alice).Type)

	assert.False(t, hub.SendTo("missing", models.Event{Type: models.EventPong}))
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(discardLogger(), 0)
	alice, ca := attachConn(t, hub, "a")
	defer hub.Release(ca)

	hub.Subscribe("lobby", "a")
	hub.Unsubscribe("lobby", "a")
	assert.Equal(t, 0, hub.RoomSize("lobby"))

	assert.Equal(t, 0, hub.Broadcast("lobby", models.Event{Type: models.EventPong}, ""))
	expectNoEvent(t, alice)

	// 未登録の接続は配信グループに加わらない
	hub.Subscribe("lobby", "ghost")
	assert.Equal(t, 0, hub.RoomSize("lobby"))
}

func TestHub_DetachClosesConnection(t *testing.T) {
	hub := NewHub(discardLogger(), 0)
	alice, ca := attachConn(t, hub, "a")
	hub.Subscribe("lobby", "a")

	hub.Release(ca)
	assert.Equal(t, 0, hub.Count())
	assert.Equal(t, 0, hub.RoomSize("lobby"))

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := alice.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNoStatusReceived, websocket.CloseNormalClosure) ||
		websocket.IsUnexpectedCloseError(err), "got %v", err)

	// 二重のDetachは何もしない
	hub.Detach("a")
}

func TestHub_DropsSlowConsumer(t *testing.T) {
	hub := NewHub(discardLogger(), 1)
	// 書き込みgoroutineを持たないクライアントでキューを溢れさせる
	slow := &Client{id: "slow", send: make(chan []byte, 1), hub: hub}
	hub.clients["slow"] = slow
	hub.Subscribe("lobby", "slow")

	ev := models.Event{Type: models.EventPong}
	assert.Equal(t, 1, hub.Broadcast("lobby", ev, ""))
	assert.Equal(t, 0, hub.Broadcast("lobby", ev, ""))

	assert.Equal(t, 0, hub.Count())
	assert.Equal(t, 0, hub.RoomSize("lobby"))

	// キューに残っていた1件のあとは閉じている
	<-slow.send
	_, open := <-slow.send
	assert.False(t, open)

	assert.False(t, hub.SendTo("slow", ev))
}

func TestHub_ShutdownRejectsNewClients(t *testing.T) {
	hub := NewHub(discardLogger(), 0)
	alice, ca := attachConn(t, hub, "a")

	// 受信セッション側の終了を模擬する
	go func() {
		_ = alice.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			if _, _, err := alice.ReadMessage(); err != nil {
				hub.Release(ca)
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hub.Shutdown(ctx))
	assert.Equal(t, 0, hub.Count())

	_, err := hub.Attach("late", nil)
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestHub_ShutdownTimesOut(t *testing.T) {
	hub := NewHub(discardLogger(), 0)
	_, ca := attachConn(t, hub, "a")
	defer hub.Release(ca)

	// セッションが Release されないため期限切れになる
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, hub.Shutdown(ctx), context.DeadlineExceeded)
}
