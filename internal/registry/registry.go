// Package registry は現在接続中のユーザーをプロセス内で管理します
// 「今だれが接続しているか」の唯一の情報源です
package registry

import (
	"sort"
	"sync"

	"github.com/SaeedHaddad/ChatApp/internal/models"
)

// Registry は接続IDからユーザーへの対応表です
// スレッドセーフな実装により、複数のgoroutineから同時にアクセス可能です
type Registry struct {
	users map[string]models.User // 接続IDをキーとしたユーザーのマップ
	mu    sync.RWMutex           // 読み書きのロック
}

// New は空のRegistryを作成します
func New() *Registry {
	return &Registry{users: make(map[string]models.User)}
}

// Register はユーザーを登録します
// 同じ接続IDのエントリがあれば上書きします（ユーザー名の重複チェックはしない）
func (r *Registry) Register(connectionId, userName, room string) models.User {
	u := models.User{ConnectionId: connectionId, UserName: userName, Room: room}

	r.mu.Lock()
	r.users[connectionId] = u
	r.mu.Unlock()
	return u
}

// Unregister はユーザーを削除して返します
// 未登録または削除済みの場合は false を返します
func (r *Registry) Unregister(connectionId string) (models.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[connectionId]
	if ok {
		delete(r.users, connectionId)
	}
	return u, ok
}

// Lookup は接続中のユーザーを返します
func (r *Registry) Lookup(connectionId string) (models.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[connectionId]
	return u, ok
}

// ListByRoom は指定ルームの接続中ユーザーを返します（診断用）
// 参加者一覧のブロードキャストには永続ストアの内容を使います
func (r *Registry) ListByRoom(room string) []models.User {
	r.mu.RLock()
	res := make([]models.User, 0)
	for _, u := range r.users {
		if u.Room == room {
			res = append(res, u)
		}
	}
	r.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool { return res[i].ConnectionId < res[j].ConnectionId })
	return res
}

// Count は接続中ユーザーの総数を返します
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
