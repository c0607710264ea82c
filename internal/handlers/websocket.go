package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/SaeedHaddad/ChatApp/internal/idgen"
	"github.com/SaeedHaddad/ChatApp/internal/models"
	"github.com/SaeedHaddad/ChatApp/internal/service"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// inboundEvent はクライアントから受信するイベントの構造
// ペイロードは種別ごとに後からデコードします
type inboundEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// JoinPayload は入室時のペイロード
type JoinPayload struct {
	UserName string `json:"username"` // 表示名
	Room     string `json:"room"`     // 参加するルーム名
}

// sessionState は1つの接続の状態です
type sessionState int

const (
	stateConnected sessionState = iota // 未入室
	stateJoined                        // 入室中
	stateLeft                          // 退出済み（終端）
)

// WebSocketOptions はWebSocketHandlerの設定です
type WebSocketOptions struct {
	AllowedOrigins  []string      // 接続を許可するオリジン（"*" で全許可）
	MaxMessageSize  int64         // 受信メッセージの最大サイズ
	RateLimitPerSec float64       // 1接続あたりの受信レート（0 以下は無制限）
	RateLimitBurst  int           // 受信レートのバースト
	NewID           func() string // 接続IDの生成（nil の場合はULID）
}

// WebSocketHandler はWebSocket接続を処理するハンドラー
type WebSocketHandler struct {
	svc      *service.RelayService // ビジネスロジックを担当するサービス
	hub      *Hub                  // WebSocket接続を管理するハブ
	upgrader websocket.Upgrader    // HTTPからWebSocketへのアップグレーダー
	logger   *slog.Logger
	opts     WebSocketOptions
}

// NewWebSocketHandler は新しいWebSocketHandlerを作成します
func NewWebSocketHandler(s *service.RelayService, hub *Hub, logger *slog.Logger, opts WebSocketOptions) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = idgen.NewConnectionID
	}
	h := &WebSocketHandler{
		svc:    s,
		hub:    hub,
		logger: logger,
		opts:   opts,
	}
	origins, allowAll := normalizeOrigins(opts.AllowedOrigins, logger)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowOrigin(r.Header.Get("Origin"), origins, allowAll) {
				return true
			}
			logger.Warn("blocked websocket connection from disallowed origin", "origin", r.Header.Get("Origin"))
			return false
		},
	}
	return h
}

// HandleWebSocket はWebSocket接続を処理します
// 接続後、以下の処理を行います:
// 1. HTTPからWebSocketへのアップグレード
// 2. 接続IDの発行とハブへの登録
// 3. メッセージ受信ループ（1接続のイベントは受信順に1つずつ処理）
// 4. 切断時の退出処理とクリーンアップ
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade error", "error", err)
		return
	}

	connectionId := h.opts.NewID()
	client, err := h.hub.Attach(connectionId, conn)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	log := h.logger.With("connection_id", connectionId, "remote_addr", r.RemoteAddr)
	log.Info("websocket connected")

	defer func() {
		// 切断でも発行済みのストア呼び出しは完了させる（サービス側でキャンセルを切り離す）
		if h.svc.Disconnect(r.Context(), connectionId) {
			log.Info("user auto-left on disconnect")
		}
		h.hub.Release(client)
		log.Info("websocket disconnected")
	}()

	if h.opts.MaxMessageSize > 0 {
		conn.SetReadLimit(h.opts.MaxMessageSize)
	}
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	limiter := h.newLimiter()
	state := stateConnected

	// メッセージ受信ループ
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			h.logReadError(log, err)
			break
		}
		// クライアントからの受信があれば生存とみなす
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if !limiter.Allow() {
			log.Warn("rate limit exceeded; discarding event")
			h.sendError(connectionId, "rate limit exceeded")
			continue
		}

		var ev inboundEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			log.Debug("invalid event", "error", err)
			h.sendError(connectionId, "invalid event")
			continue
		}

		// イベントタイプに応じて処理
		switch ev.Type {
		case models.EventJoin:
			state = h.handleJoin(r, log, connectionId, state, ev.Payload)
		case models.EventMessage:
			h.handleMessage(r, log, connectionId, ev.Payload)
		case models.EventLeave:
			if h.svc.Leave(r.Context(), connectionId) {
				state = stateLeft
			}
		case models.EventPing:
			// ping/pongで接続を維持
			h.hub.SendTo(connectionId, models.Event{Type: models.EventPong})
		default:
			log.Debug("unknown event type", "type", ev.Type)
			h.sendError(connectionId, "unknown event type")
		}
	}
}

// handleJoin は入室を処理し、新しい状態を返します
// 入室は1接続につき1回だけで、退出後の再入室はできません
func (h *WebSocketHandler) handleJoin(r *http.Request, log *slog.Logger, connectionId string, state sessionState, payload json.RawMessage) sessionState {
	switch state {
	case stateJoined:
		h.sendError(connectionId, service.ErrAlreadyJoined.Error())
		return state
	case stateLeft:
		h.sendError(connectionId, "session has left; open a new connection to join again")
		return state
	}

	var in JoinPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		h.sendError(connectionId, "invalid join payload")
		return state
	}
	if err := h.svc.Join(r.Context(), connectionId, in.UserName, in.Room); err != nil {
		log.Info("join rejected", "error", err)
		h.sendError(connectionId, clientMessage(err))
		return state
	}
	return stateJoined
}

// handleMessage はチャットメッセージを処理します
// ペイロードは文字列そのもの
func (h *WebSocketHandler) handleMessage(r *http.Request, log *slog.Logger, connectionId string, payload json.RawMessage) {
	var text string
	if err := json.Unmarshal(payload, &text); err != nil {
		log.Debug("invalid message payload", "error", err)
		h.sendError(connectionId, "message payload must be a string")
		return
	}
	h.svc.SendMessage(r.Context(), connectionId, text)
}

func (h *WebSocketHandler) sendError(connectionId, msg string) {
	h.hub.SendTo(connectionId, models.Event{
		Type:    models.EventError,
		Payload: models.ErrorPayload{Message: msg},
	})
}

func (h *WebSocketHandler) newLimiter() *rate.Limiter {
	if h.opts.RateLimitPerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := h.opts.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(h.opts.RateLimitPerSec), burst)
}

// logReadError はエラーの種類に応じてログを出し分けます
func (h *WebSocketHandler) logReadError(log *slog.Logger, err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Warn("message exceeded maximum size", "max_bytes", h.opts.MaxMessageSize)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		log.Debug("client closed connection", "error", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		log.Debug("connection closed", "error", err)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		log.Warn("unexpected websocket close", "error", err)
	default:
		log.Debug("websocket read error", "error", err)
	}
}

// clientMessage はクライアントに返すエラーメッセージを決めます
// 入力エラー以外は内部情報を出さない
func clientMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidUserName),
		errors.Is(err, service.ErrInvalidRoom),
		errors.Is(err, service.ErrAlreadyJoined):
		return err.Error()
	default:
		return "internal error"
	}
}

// normalizeOrigins は設定されたオリジンを scheme://host の形に揃えます
func normalizeOrigins(origins []string, logger *slog.Logger) (map[string]struct{}, bool) {
	normalized := make(map[string]struct{}, len(origins))
	allowAll := false
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAll = true
			continue
		}
		n, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn("ignoring invalid origin in configuration", "origin", origin)
			continue
		}
		normalized[n] = struct{}{}
	}
	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// allowOrigin はOriginヘッダーを検査します
// Originを送らないクライアント（ブラウザ以外）は許可します
func allowOrigin(origin string, allowed map[string]struct{}, allowAll bool) bool {
	if origin == "" || allowAll {
		return true
	}
	n, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	_, exists := allowed[n]
	return exists
}
