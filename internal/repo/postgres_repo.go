package repo

import (
	"context"
	"fmt"

	"github.com/SaeedHaddad/ChatApp/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresHistoryStore はPostgreSQLを使ったHistoryStoreの実装です
// メッセージはルームごとのシーケンス（chat_room_seq）で順序付けます
type PostgresHistoryStore struct {
	pool *pgxpool.Pool
	opts Options
}

func NewPostgresHistoryStore(pool *pgxpool.Pool, opts Options) *PostgresHistoryStore {
	return &PostgresHistoryStore{pool: pool, opts: opts}
}

// ConnectPostgres は接続プールを作成し、疎通確認まで行います
func ConnectPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS chat_room_seq (
	room     TEXT PRIMARY KEY,
	last_seq BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS chat_messages (
	room         TEXT NOT NULL,
	seq          BIGINT NOT NULL,
	id           TEXT NOT NULL,
	sender       TEXT NOT NULL,
	text         TEXT NOT NULL,
	display_time TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (room, seq)
);
CREATE TABLE IF NOT EXISTS chat_members (
	room          TEXT NOT NULL,
	connection_id TEXT NOT NULL,
	username      TEXT NOT NULL,
	PRIMARY KEY (room, connection_id)
);
`

// Migrate は必要なテーブルを作成します
func (s *PostgresHistoryStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresHistoryStore) AppendMessage(ctx context.Context, room string, msg models.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq int64
	err = tx.QueryRow(ctx, `
		INSERT INTO chat_room_seq (room, last_seq) VALUES ($1, 1)
		ON CONFLICT (room) DO UPDATE SET last_seq = chat_room_seq.last_seq + 1
		RETURNING last_seq`, room).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO chat_messages (room, seq, id, sender, text, display_time)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		room, seq, msg.Id, msg.SenderUserName, msg.Text, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if maxLen := s.opts.HistoryMaxLen; maxLen > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM chat_messages WHERE room = $1 AND seq <= $2`,
			room, seq-int64(maxLen)); err != nil {
			return fmt.Errorf("trim messages: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresHistoryStore) ListMessages(ctx context.Context, room string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return []models.Message{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, sender, text, display_time FROM (
			SELECT seq, id, sender, text, display_time FROM chat_messages
			WHERE room = $1 ORDER BY seq DESC LIMIT $2
		) recent ORDER BY seq ASC`, room, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Message, error) {
		var m models.Message
		err := row.Scan(&m.Id, &m.SenderUserName, &m.Text, &m.Timestamp)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}
	return msgs, nil
}

func (s *PostgresHistoryStore) AddMember(ctx context.Context, room, connectionId, userName string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_members (room, connection_id, username) VALUES ($1, $2, $3)
		ON CONFLICT (room, connection_id) DO UPDATE SET username = EXCLUDED.username`,
		room, connectionId, userName)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (s *PostgresHistoryStore) RemoveMember(ctx context.Context, room, connectionId string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM chat_members WHERE room = $1 AND connection_id = $2`,
		room, connectionId)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

func (s *PostgresHistoryStore) ListMembers(ctx context.Context, room string) ([]models.Member, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT connection_id, username FROM chat_members
		WHERE room = $1 ORDER BY connection_id`, room)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}

	members, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Member, error) {
		var m models.Member
		err := row.Scan(&m.ConnectionId, &m.UserName)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan members: %w", err)
	}
	return members, nil
}

func (s *PostgresHistoryStore) PurgeMembers(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM chat_members`); err != nil {
		return fmt.Errorf("purge members: %w", err)
	}
	return nil
}

func (s *PostgresHistoryStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresHistoryStore) Close() error {
	s.pool.Close()
	return nil
}
