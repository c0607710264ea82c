package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/SaeedHaddad/ChatApp/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisHistoryStore はRedisを使ったHistoryStoreの実装です
//
//	room:{room}:messages  ソート済みセット（スコア = シーケンス、メンバー = "{seq}:{json}"）
//	room:{room}:seq       ルームごとのシーケンス
//	room:{room}:users     ハッシュ（接続ID -> ユーザー名）
type RedisHistoryStore struct {
	rdb  *redis.Client
	opts Options
}

func NewRedisHistoryStore(rdb *redis.Client, opts Options) *RedisHistoryStore {
	return &RedisHistoryStore{rdb: rdb, opts: opts}
}

func messagesKey(room string) string {
	return fmt.Sprintf("room:%s:messages", room)
}
func seqKey(room string) string {
	return fmt.Sprintf("room:%s:seq", room)
}
func usersKey(room string) string {
	return fmt.Sprintf("room:%s:users", room)
}

const usersKeyPattern = "room:*:users"

// appendScript はシーケンス採番・追加・トリム・TTL延長をアトミックに行います
// TTLは参加者ハッシュにも延長し、発言が続くルームの参加者が期限切れで消えないようにします
var appendScript = redis.NewScript(`
	local messages_key = KEYS[1]
	local seq_key = KEYS[2]
	local users_key = KEYS[3]
	local payload = ARGV[1]
	local max_len = tonumber(ARGV[2])
	local ttl = tonumber(ARGV[3])

	local seq = redis.call('INCR', seq_key)
	redis.call('ZADD', messages_key, seq, seq .. ':' .. payload)

	if max_len > 0 then
		redis.call('ZREMRANGEBYRANK', messages_key, 0, -max_len - 1)
	end
	if ttl > 0 then
		redis.call('EXPIRE', messages_key, ttl)
		redis.call('EXPIRE', seq_key, ttl)
		redis.call('EXPIRE', users_key, ttl)
	end

	return seq
`)

func (s *RedisHistoryStore) ttlSec() int64 {
	return int64(s.opts.RoomTTL.Seconds())
}

func (s *RedisHistoryStore) AppendMessage(ctx context.Context, room string, msg models.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	keys := []string{messagesKey(room), seqKey(room), usersKey(room)}
	if err := appendScript.Run(ctx, s.rdb, keys, string(b), s.opts.HistoryMaxLen, s.ttlSec()).Err(); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *RedisHistoryStore) ListMessages(ctx context.Context, room string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return []models.Message{}, nil
	}
	vals, err := s.rdb.ZRange(ctx, messagesKey(room), int64(-limit), -1).Result()
	if err == redis.Nil { // データがない
		return []models.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	res := make([]models.Message, 0, len(vals))
	for _, val := range vals {
		seq, payload, ok := strings.Cut(val, ":")
		if !ok {
			continue
		}
		if _, err := strconv.ParseInt(seq, 10, 64); err != nil {
			continue
		}
		var m models.Message
		if json.Unmarshal([]byte(payload), &m) == nil {
			res = append(res, m)
		}
	}
	return res, nil
}

func (s *RedisHistoryStore) AddMember(ctx context.Context, room, connectionId, userName string) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, usersKey(room), connectionId, userName)
	if ttl := s.opts.RoomTTL; ttl > 0 {
		pipe.Expire(ctx, messagesKey(room), ttl)
		pipe.Expire(ctx, seqKey(room), ttl)
		pipe.Expire(ctx, usersKey(room), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (s *RedisHistoryStore) RemoveMember(ctx context.Context, room, connectionId string) error {
	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, usersKey(room), connectionId)
	if ttl := s.opts.RoomTTL; ttl > 0 {
		pipe.Expire(ctx, messagesKey(room), ttl)
		pipe.Expire(ctx, seqKey(room), ttl)
		pipe.Expire(ctx, usersKey(room), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

func (s *RedisHistoryStore) ListMembers(ctx context.Context, room string) ([]models.Member, error) {
	users, err := s.rdb.HGetAll(ctx, usersKey(room)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return membersFromMap(users), nil
}

// PurgeMembers は全ルームの参加者ハッシュを削除します
func (s *RedisHistoryStore) PurgeMembers(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, usersKeyPattern, 100).Result()
		if err != nil {
			return fmt.Errorf("scan member keys: %w", err)
		}
		if len(keys) > 0 {
			if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete member keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *RedisHistoryStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisHistoryStore) Close() error {
	return s.rdb.Close()
}

// membersFromMap は接続ID順に並べた参加者一覧を返します
func membersFromMap(users map[string]string) []models.Member {
	res := make([]models.Member, 0, len(users))
	for id, name := range users {
		res = append(res, models.Member{ConnectionId: id, UserName: name})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ConnectionId < res[j].ConnectionId })
	return res
}
