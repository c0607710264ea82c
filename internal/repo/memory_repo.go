package repo

import (
	"context"
	"sync"

	"github.com/SaeedHaddad/ChatApp/internal/models"
)

// MemoryHistoryStore はプロセス内メモリだけを使うHistoryStoreです
// 再起動で消えるため、開発用とテスト用です
type MemoryHistoryStore struct {
	mu       sync.RWMutex
	messages map[string][]models.Message  // ルーム名 -> 古い順のログ
	members  map[string]map[string]string // ルーム名 -> 接続ID -> ユーザー名
	opts     Options
}

func NewMemoryHistoryStore(opts Options) *MemoryHistoryStore {
	return &MemoryHistoryStore{
		messages: make(map[string][]models.Message),
		members:  make(map[string]map[string]string),
		opts:     opts,
	}
}

func (s *MemoryHistoryStore) AppendMessage(ctx context.Context, room string, msg models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	log := append(s.messages[room], msg)
	if maxLen := s.opts.HistoryMaxLen; maxLen > 0 && len(log) > maxLen {
		log = append([]models.Message(nil), log[len(log)-maxLen:]...)
	}
	s.messages[room] = log
	return nil
}

func (s *MemoryHistoryStore) ListMessages(ctx context.Context, room string, limit int) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []models.Message{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.messages[room]
	if len(log) > limit {
		log = log[len(log)-limit:]
	}
	return append([]models.Message{}, log...), nil
}

func (s *MemoryHistoryStore) AddMember(ctx context.Context, room, connectionId, userName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[room]
	if !ok {
		m = make(map[string]string)
		s.members[room] = m
	}
	m[connectionId] = userName
	return nil
}

func (s *MemoryHistoryStore) RemoveMember(ctx context.Context, room, connectionId string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.members[room]; ok {
		delete(m, connectionId)
		if len(m) == 0 {
			delete(s.members, room)
		}
	}
	return nil
}

func (s *MemoryHistoryStore) ListMembers(ctx context.Context, room string) ([]models.Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return membersFromMap(s.members[room]), nil
}

func (s *MemoryHistoryStore) PurgeMembers(ctx context.Context) error {
	s.mu.Lock()
	s.members = make(map[string]map[string]string)
	s.mu.Unlock()
	return nil
}

func (s *MemoryHistoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}
