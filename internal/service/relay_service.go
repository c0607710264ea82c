// Package service はビジネスロジックを担当します
// ルームへの入室・発言・退出・切断の流れを、接続レジストリ・永続ストア・配信ハブを組み合わせて処理します
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/SaeedHaddad/ChatApp/internal/formatter"
	"github.com/SaeedHaddad/ChatApp/internal/models"
	"github.com/SaeedHaddad/ChatApp/internal/registry"
	"github.com/SaeedHaddad/ChatApp/internal/repo"
)

const (
	welcomeText  = "Welcome to ChatApp!"
	joinedFormat = "%s has joined the chat."
	leftFormat   = "%s has left the chat."
)

// Broadcaster はルーム単位の配信グループを管理します
// 存在しない接続への送信は無視されます
type Broadcaster interface {
	Subscribe(room, connectionId string)
	Unsubscribe(room, connectionId string)
	// SendTo は1つの接続にだけ送信します
	SendTo(connectionId string, ev models.Event) bool
	// Broadcast はルーム内の全接続に送信します（excludeConnectionId を除く）
	Broadcast(room string, ev models.Event, excludeConnectionId string) int
}

// Options はRelayServiceの設定です
type Options struct {
	HistoryLimit int                 // 入室時に再生する履歴件数
	StoreTimeout time.Duration       // ストア呼び出し1回あたりのタイムアウト
	BotName      string              // システムメッセージの送信者名
	Formatter    formatter.Formatter // メッセージ生成
	Logger       *slog.Logger
}

// RelayService はルームのメッセージ中継を行います
// 1つの接続のイベントは呼び出し側で順番に処理される前提です
// 別の接続のイベントとは並行に動くため、各処理の途中で他の入退室が割り込むことがあります
type RelayService struct {
	store    repo.HistoryStore   // 永続ストア（履歴・参加者一覧の正）
	registry *registry.Registry  // 接続中ユーザー（接続状態の正）
	hub      Broadcaster         // 配信グループ
	format   formatter.Formatter // メッセージ生成
	logger   *slog.Logger
	opts     Options
}

// NewRelayService は新しいRelayServiceを作成します
func NewRelayService(store repo.HistoryStore, reg *registry.Registry, hub Broadcaster, opts Options) *RelayService {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.BotName == "" {
		opts.BotName = "ChatBot"
	}
	return &RelayService{
		store:    store,
		registry: reg,
		hub:      hub,
		format:   opts.Formatter,
		logger:   opts.Logger,
		opts:     opts,
	}
}

// storeCtx はストア呼び出し用のコンテキストを作ります
// 接続が切れても発行済みの呼び出しは完了させるため、呼び出し元のキャンセルは引き継ぎません
func (s *RelayService) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opts.StoreTimeout)
}

// Join はユーザーをルームに参加させます
// 処理の流れ:
// 1. レジストリに登録し、配信グループに加える
// 2. 永続ストアに参加者を追加
// 3. 履歴を本人にだけ再生
// 4. ウェルカムメッセージを本人に、参加通知を他の参加者に送信（どちらも保存）
// 5. 最新の参加者一覧をルーム全員に送信
// ストアの失敗はログに残して次の手順へ進みます
func (s *RelayService) Join(ctx context.Context, connectionId, userName, room string) error {
	userName = normalizeName(userName)
	room = normalizeName(room)
	if err := validateUserName(userName); err != nil {
		return err
	}
	if err := validateRoom(room); err != nil {
		return err
	}
	if _, ok := s.registry.Lookup(connectionId); ok {
		return ErrAlreadyJoined
	}

	user := s.registry.Register(connectionId, userName, room)
	s.hub.Subscribe(room, connectionId)
	log := s.logger.With("room", room, "connection_id", connectionId, "username", userName)
	log.Info("user joined", "connections", s.registry.Count())

	sctx, cancel := s.storeCtx(ctx)
	err := s.store.AddMember(sctx, room, connectionId, userName)
	cancel()
	if err != nil {
		log.Error("failed to add member", "error", err)
	}

	sctx, cancel = s.storeCtx(ctx)
	history, err := s.store.ListMessages(sctx, room, s.opts.HistoryLimit)
	cancel()
	if err != nil {
		log.Error("failed to load history", "error", err)
	}
	for _, m := range history {
		s.hub.SendTo(connectionId, messageEvent(m))
	}

	welcome := s.format.Format(s.opts.BotName, welcomeText)
	s.persist(ctx, room, welcome)
	s.hub.SendTo(connectionId, messageEvent(welcome))

	joined := s.format.Format(s.opts.BotName, fmt.Sprintf(joinedFormat, user.UserName))
	s.persist(ctx, room, joined)
	s.hub.Broadcast(room, messageEvent(joined), connectionId)

	s.broadcastRoster(ctx, room)
	return nil
}

// SendMessage はユーザーの発言をルーム全員（本人を含む）に配信します
// 未登録の接続からの発言と空のメッセージは黙って捨てます
func (s *RelayService) SendMessage(ctx context.Context, connectionId, text string) {
	user, ok := s.registry.Lookup(connectionId)
	if !ok {
		s.logger.Debug("dropping message from unregistered connection", "connection_id", connectionId)
		return
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	msg := s.format.Format(user.UserName, text)
	s.persist(ctx, user.Room, msg)
	s.hub.Broadcast(user.Room, messageEvent(msg), "")
}

// Leave は明示的な退出を処理します
// 既に退出済みの場合は何もせず false を返します
func (s *RelayService) Leave(ctx context.Context, connectionId string) bool {
	return s.depart(ctx, connectionId, "left")
}

// Disconnect は接続断による退出を処理します
func (s *RelayService) Disconnect(ctx context.Context, connectionId string) bool {
	return s.depart(ctx, connectionId, "disconnected")
}

// depart は退出処理の共通部分です
// レジストリからの削除がアトミックなため、二重に呼ばれても通知は一度だけです
func (s *RelayService) depart(ctx context.Context, connectionId, reason string) bool {
	user, ok := s.registry.Unregister(connectionId)
	if !ok {
		return false
	}
	s.hub.Unsubscribe(user.Room, connectionId)
	log := s.logger.With("room", user.Room, "connection_id", connectionId, "username", user.UserName)
	log.Info("user departed", "reason", reason, "connections", s.registry.Count())

	sctx, cancel := s.storeCtx(ctx)
	err := s.store.RemoveMember(sctx, user.Room, connectionId)
	cancel()
	if err != nil {
		log.Error("failed to remove member", "error", err)
	}

	left := s.format.Format(s.opts.BotName, fmt.Sprintf(leftFormat, user.UserName))
	s.persist(ctx, user.Room, left)
	s.hub.Broadcast(user.Room, messageEvent(left), "")

	s.broadcastRoster(ctx, user.Room)
	return true
}

// persist はメッセージを保存します。失敗はログに残すだけです
func (s *RelayService) persist(ctx context.Context, room string, msg models.Message) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.store.AppendMessage(sctx, room, msg); err != nil {
		s.logger.Error("failed to persist message", "room", room, "sender", msg.SenderUserName, "error", err)
	}
}

// broadcastRoster は永続ストアの参加者一覧をルーム全員に送信します
// 取得と送信の間に他の入退室が起きると古い一覧になり得ますが、次の送信で追いつきます
func (s *RelayService) broadcastRoster(ctx context.Context, room string) {
	sctx, cancel := s.storeCtx(ctx)
	members, err := s.store.ListMembers(sctx, room)
	cancel()
	if err != nil {
		s.logger.Error("failed to load roster", "room", room, "error", err)
		return
	}
	s.hub.Broadcast(room, rosterEvent(room, members), "")
}

// History は直近の履歴を返します
func (s *RelayService) History(ctx context.Context, room string, limit int) ([]models.Message, error) {
	room = normalizeName(room)
	if err := validateRoom(room); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.opts.HistoryLimit {
		limit = s.opts.HistoryLimit
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	msgs, err := s.store.ListMessages(sctx, room, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// Roster は永続ストア上の参加者一覧を返します
func (s *RelayService) Roster(ctx context.Context, room string) (models.Roster, error) {
	room = normalizeName(room)
	if err := validateRoom(room); err != nil {
		return models.Roster{}, err
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	members, err := s.store.ListMembers(sctx, room)
	if err != nil {
		return models.Roster{}, fmt.Errorf("list members: %w", err)
	}
	return newRoster(room, members), nil
}

// Connections はこのプロセスに接続中のユーザーを返します（診断用）
func (s *RelayService) Connections(room string) ([]models.User, error) {
	room = normalizeName(room)
	if err := validateRoom(room); err != nil {
		return nil, err
	}
	return s.registry.ListByRoom(room), nil
}

func messageEvent(m models.Message) models.Event {
	return models.Event{Type: models.EventMessage, Payload: m}
}

func rosterEvent(room string, members []models.Member) models.Event {
	return models.Event{Type: models.EventRoster, Payload: newRoster(room, members)}
}

func newRoster(room string, members []models.Member) models.Roster {
	if members == nil {
		members = []models.Member{}
	}
	return models.Roster{Room: room, Users: members}
}
