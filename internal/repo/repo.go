package repo

import (
	"context"
	"errors"
	"time"

	"github.com/SaeedHaddad/ChatApp/internal/models"
)

// ErrUnknownBackend は未対応のストア種別が指定された場合のエラーです
var ErrUnknownBackend = errors.New("unknown store backend")

// HistoryStore はルーム単位の永続ストアです
// メッセージログ（順序付き）と参加者セットをルーム名で管理し、プロセス再起動後も残ります
// すべての操作は独立して失敗し得ます
type HistoryStore interface {
	// AppendMessage はルームのログ末尾にメッセージを追加します
	// ルームごとの単調増加シーケンスで並ぶため、同一時刻でも上書きされません
	AppendMessage(ctx context.Context, room string, msg models.Message) error
	// ListMessages は直近 limit 件を古い順で返します
	ListMessages(ctx context.Context, room string, limit int) ([]models.Message, error)

	AddMember(ctx context.Context, room, connectionId, userName string) error
	RemoveMember(ctx context.Context, room, connectionId string) error
	ListMembers(ctx context.Context, room string) ([]models.Member, error)
}

// Pinger は接続確認ができるストアが実装します
type Pinger interface {
	Ping(ctx context.Context) error
}

// MemberPurger は全ルームの参加者レコードを削除できるストアが実装します
// 起動時点で生きている接続は存在しないため、残っている参加者は古いレコードです
type MemberPurger interface {
	PurgeMembers(ctx context.Context) error
}

// Options はストア共通の設定です
// RoomTTL はRedisだけが使い、PostgreSQLとメモリのストアでは無視されます
type Options struct {
	HistoryMaxLen int           // ルームごとに保持するメッセージ数の上限（0 は無制限）
	RoomTTL       time.Duration // 書き込みのたびに延長するルームの有効期限（0 は無期限、Redisのみ対応）
}
