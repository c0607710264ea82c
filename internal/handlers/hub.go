package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/SaeedHaddad/ChatApp/internal/models"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second    // 1回の書き込みの期限
	pongWait   = 60 * time.Second    // pong を待つ期限
	pingPeriod = (pongWait * 9) / 10 // ping の送信間隔（pongWait より短くする）

	defaultSendBuffer = 256
)

// ErrHubClosed はシャットダウン後に接続を登録しようとした場合のエラーです
var ErrHubClosed = errors.New("hub is shutting down")

// Hub はWebSocket接続とルームごとの配信グループを管理します
// スレッドセーフな実装により、複数のgoroutineから同時にアクセス可能です
// 送信は接続ごとのキューに積むだけで、ブロックしません。キューが溢れた接続は切断します
type Hub struct {
	clients    map[string]*Client            // 接続IDをキーとしたクライアントのマップ
	rooms      map[string]map[string]*Client // ルーム名 → 接続ID → クライアント
	mu         sync.RWMutex                  // 読み書きのロック
	wg         sync.WaitGroup                // 書き込みgoroutineと受信セッションの完了待ち
	closing    bool                          // シャットダウン中
	sendBuffer int                           // 1接続あたりの送信キュー長
	logger     *slog.Logger
}

// Client は1つのWebSocket接続を表します
type Client struct {
	id   string          // 接続ID
	conn *websocket.Conn // WebSocket接続
	send chan []byte     // 送信キュー（Hubが閉じる）
	hub  *Hub
}

// ID は接続IDを返します
func (c *Client) ID() string { return c.id }

// NewHub は新しいHubを作成します
func NewHub(logger *slog.Logger, sendBuffer int) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Hub{
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[string]*Client),
		sendBuffer: sendBuffer,
		logger:     logger,
	}
}

// Attach は接続を登録し、書き込みgoroutineを開始します
// 呼び出し側は受信ループの終了後に必ず Release を呼びます
func (h *Hub) Attach(id string, conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return nil, ErrHubClosed
	}

	c := &Client{
		id:   id,
		conn: conn,
		send: make(chan []byte, h.sendBuffer),
		hub:  h,
	}
	h.clients[id] = c

	// 書き込みgoroutine + 受信セッション
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()

	h.logger.Debug("client attached", "connection_id", id, "clients", len(h.clients))
	return c, nil
}

// Release は受信セッションの終了を通知し、接続の登録を解除します
func (h *Hub) Release(c *Client) {
	h.Detach(c.id)
	h.wg.Done()
}

// Detach は接続をすべてのルームから外し、送信キューを閉じます
// 送信キューが閉じると書き込みgoroutineがcloseフレームを送って接続を閉じます
// 未登録の接続に対しては何もしません
func (h *Hub) Detach(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(id)
}

func (h *Hub) detachLocked(id string) bool {
	c, ok := h.clients[id]
	if !ok {
		return false
	}
	delete(h.clients, id)
	for room, members := range h.rooms {
		if _, ok := members[id]; ok {
			delete(members, id)
			// 部屋が空になったら削除
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	close(c.send)
	return true
}

// Subscribe は接続をルームの配信グループに加えます
func (h *Hub) Subscribe(room, connectionId string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connectionId]
	if !ok {
		return
	}
	members, exists := h.rooms[room]
	if !exists {
		members = make(map[string]*Client)
		h.rooms[room] = members
	}
	members[connectionId] = c
}

// Unsubscribe は接続をルームの配信グループから外します
func (h *Hub) Unsubscribe(room, connectionId string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, connectionId)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// SendTo は1つの接続にイベントを送信します
// 接続が存在しないかキューが溢れた場合は false を返します
func (h *Hub) SendTo(connectionId string, ev models.Event) bool {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode event", "type", ev.Type, "error", err)
		return false
	}

	h.mu.RLock()
	c, ok := h.clients[connectionId]
	delivered := ok && c.enqueue(payload)
	h.mu.RUnlock()

	if ok && !delivered {
		h.dropSlow([]string{connectionId})
	}
	return delivered
}

// Broadcast はルーム内の全接続にイベントを送信します（excludeConnectionId を除く）
// 送信できた接続数を返します
func (h *Hub) Broadcast(room string, ev models.Event, excludeConnectionId string) int {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode event", "type", ev.Type, "error", err)
		return 0
	}

	var slow []string
	sent := 0
	h.mu.RLock()
	for id, c := range h.rooms[room] {
		if id == excludeConnectionId {
			continue
		}
		if c.enqueue(payload) {
			sent++
		} else {
			slow = append(slow, id)
		}
	}
	h.mu.RUnlock()

	h.dropSlow(slow)
	return sent
}

// dropSlow は送信キューが溢れた接続を切断します
// 受信ループが終了すると通常の切断処理（退出通知・参加者一覧の更新）が行われます
func (h *Hub) dropSlow(ids []string) {
	if len(ids) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		if h.detachLocked(id) {
			h.logger.Warn("client removed due to full send buffer", "connection_id", id)
		}
	}
}

// Count は登録中の接続数を返します
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize はルームの配信グループに含まれる接続数を返します
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Shutdown は新しい接続の受け付けを止め、全接続を閉じてgoroutineの終了を待ちます
// ctx の期限までに終わらない場合は ctx.Err() を返します
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	n := len(h.clients)
	for id := range h.clients {
		h.detachLocked(id)
	}
	h.mu.Unlock()
	h.logger.Info("closing client connections", "clients", n)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-ctx.Done():
		h.logger.Warn("hub shutdown timeout reached, some sessions may still be running")
		return ctx.Err()
	}
}

// enqueue は送信キューに積みます。呼び出し側は Hub のロックを保持します
func (c *Client) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// writePump は送信キューの内容を接続に書き込みます
// 接続ごとに1つだけ動くため、書き込みはこのgoroutineに限られます
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.hub.logger.Warn("error closing connection", "connection_id", c.id, "error", err)
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				// Hubが送信キューを閉じた
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
					c.hub.logger.Debug("error writing close message", "connection_id", c.id, "error", err)
				}
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				if !isExpectedCloseError(err) {
					c.hub.logger.Warn("error writing message", "connection_id", c.id, "error", err)
				}
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// isExpectedCloseError は接続終了時に発生する想定内のエラーかを判定します
func isExpectedCloseError(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
