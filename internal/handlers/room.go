package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/SaeedHaddad/ChatApp/internal/models"
	"github.com/SaeedHaddad/ChatApp/internal/repo"
	"github.com/SaeedHaddad/ChatApp/internal/service"
	"github.com/go-chi/chi/v5"
)

// RoomHandler はルームの参照系REST APIを処理します
// 書き込みはWebSocket経由のみで、ここでは永続ストアと接続状態を読み出すだけです
type RoomHandler struct {
	svc    *service.RelayService
	pinger repo.Pinger // nil の場合 readyz は常に成功
	logger *slog.Logger
}

// NewRoomHandler は新しいRoomHandlerを作成します
func NewRoomHandler(s *service.RelayService, pinger repo.Pinger, logger *slog.Logger) *RoomHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomHandler{svc: s, pinger: pinger, logger: logger}
}

type historyResponse struct {
	Room     string           `json:"room"`
	Messages []models.Message `json:"messages"`
}

type connectionsResponse struct {
	Room        string        `json:"room"`
	Connections []models.User `json:"connections"`
}

// History は直近の履歴を返します
// GET /api/v1/rooms/{room}/messages?limit=N
func (h *RoomHandler) History(w http.ResponseWriter, r *http.Request) {
	room := normalizeID(chi.URLParam(r, "room"))
	if err := validateRoomParam(room); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := h.svc.History(r.Context(), room, limit)
	if err != nil {
		h.logger.Error("history error", "room", room, "error", err)
		h.writeServiceError(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	respondJSON(w, http.StatusOK, historyResponse{Room: room, Messages: msgs})
}

// Members は永続ストア上の参加者一覧を返します
// GET /api/v1/rooms/{room}/members
func (h *RoomHandler) Members(w http.ResponseWriter, r *http.Request) {
	room := normalizeID(chi.URLParam(r, "room"))
	if err := validateRoomParam(room); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	roster, err := h.svc.Roster(r.Context(), room)
	if err != nil {
		h.logger.Error("roster error", "room", room, "error", err)
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, roster)
}

// Connections はこのプロセスに接続中のユーザーを返します
// GET /api/v1/rooms/{room}/connections
func (h *RoomHandler) Connections(w http.ResponseWriter, r *http.Request) {
	room := normalizeID(chi.URLParam(r, "room"))
	if err := validateRoomParam(room); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	users, err := h.svc.Connections(room)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, connectionsResponse{Room: room, Connections: users})
}

// Healthz はプロセスの生存確認です
func (h *RoomHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// Readyz は永続ストアへの疎通を確認します
func (h *RoomHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.pinger == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := h.pinger.Ping(ctx); err != nil {
		h.logger.Warn("store not ready", "error", err)
		respondError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// writeServiceError はサービス層のエラーをHTTPステータスに変換します
func (h *RoomHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRoom), errors.Is(err, service.ErrInvalidUserName):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// parseLimit はlimitクエリを解釈します。空の場合は0（サーバー側の既定値）
func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errInvalidLimit
	}
	return n, nil
}
