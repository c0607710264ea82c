package repo

import (
	"context"
	"fmt"
	"testing"

	"github.com/SaeedHaddad/ChatApp/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory はテストごとに新しいストアを返します
type storeFactory func(t *testing.T, opts Options) HistoryStore

// uniqueRoom は実DBでテスト間の干渉を避けるためのルーム名です
func uniqueRoom(name string) string {
	return name + "-" + uuid.NewString()
}

func msg(sender, text string) models.Message {
	return models.Message{Id: uuid.NewString(), SenderUserName: sender, Text: text, Timestamp: "3:04 pm"}
}

// runHistoryStoreContract はすべての実装が満たすべき振る舞いを検証します
func runHistoryStoreContract(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("append and list oldest first", func(t *testing.T) {
		s := newStore(t, Options{})
		room := uniqueRoom("lobby")
		for i := 1; i <= 5; i++ {
			require.NoError(t, s.AppendMessage(ctx, room, msg("bob", fmt.Sprintf("m%d", i))))
		}

		got, err := s.ListMessages(ctx, room, 3)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "m3", got[0].Text)
		assert.Equal(t, "m4", got[1].Text)
		assert.Equal(t, "m5", got[2].Text)

		all, err := s.ListMessages(ctx, room, 50)
		require.NoError(t, err)
		assert.Len(t, all, 5)
	})

	t.Run("identical payloads are kept", func(t *testing.T) {
		s := newStore(t, Options{})
		room := uniqueRoom("dup")
		m := msg("ChatBot", "Welcome to ChatApp!")
		require.NoError(t, s.AppendMessage(ctx, room, m))
		require.NoError(t, s.AppendMessage(ctx, room, m))

		got, err := s.ListMessages(ctx, room, 10)
		require.NoError(t, err)
		assert.Equal(t, []models.Message{m, m}, got)
	})

	t.Run("non positive limit yields empty", func(t *testing.T) {
		s := newStore(t, Options{})
		room := uniqueRoom("limit")
		require.NoError(t, s.AppendMessage(ctx, room, msg("bob", "hi")))

		got, err := s.ListMessages(ctx, room, 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("unknown room is empty", func(t *testing.T) {
		s := newStore(t, Options{})
		msgs, err := s.ListMessages(ctx, uniqueRoom("none"), 10)
		require.NoError(t, err)
		assert.Empty(t, msgs)

		members, err := s.ListMembers(ctx, uniqueRoom("none"))
		require.NoError(t, err)
		assert.NotNil(t, members)
		assert.Empty(t, members)
	})

	t.Run("rooms are isolated", func(t *testing.T) {
		s := newStore(t, Options{})
		a, b := uniqueRoom("a"), uniqueRoom("b")
		require.NoError(t, s.AppendMessage(ctx, a, msg("alice", "in a")))
		require.NoError(t, s.AddMember(ctx, a, "c1", "alice"))

		msgs, err := s.ListMessages(ctx, b, 10)
		require.NoError(t, err)
		assert.Empty(t, msgs)
		members, err := s.ListMembers(ctx, b)
		require.NoError(t, err)
		assert.Empty(t, members)
	})

	t.Run("history max len trims oldest", func(t *testing.T) {
		s := newStore(t, Options{HistoryMaxLen: 2})
		room := uniqueRoom("trim")
		for i := 1; i <= 4; i++ {
			require.NoError(t, s.AppendMessage(ctx, room, msg("bob", fmt.Sprintf("m%d", i))))
		}

		got, err := s.ListMessages(ctx, room, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "m3", got[0].Text)
		assert.Equal(t, "m4", got[1].Text)
	})

	t.Run("members upsert and remove idempotently", func(t *testing.T) {
		s := newStore(t, Options{})
		room := uniqueRoom("members")
		require.NoError(t, s.AddMember(ctx, room, "c2", "bob"))
		require.NoError(t, s.AddMember(ctx, room, "c1", "alice"))
		require.NoError(t, s.AddMember(ctx, room, "c1", "alice"))

		got, err := s.ListMembers(ctx, room)
		require.NoError(t, err)
		assert.Equal(t, []models.Member{
			{ConnectionId: "c1", UserName: "alice"},
			{ConnectionId: "c2", UserName: "bob"},
		}, got)

		require.NoError(t, s.AddMember(ctx, room, "c2", "bobby"))
		require.NoError(t, s.RemoveMember(ctx, room, "c1"))
		require.NoError(t, s.RemoveMember(ctx, room, "c1"))
		require.NoError(t, s.RemoveMember(ctx, room, "never"))

		got, err = s.ListMembers(ctx, room)
		require.NoError(t, err)
		assert.Equal(t, []models.Member{{ConnectionId: "c2", UserName: "bobby"}}, got)
	})

	t.Run("purge members", func(t *testing.T) {
		s := newStore(t, Options{})
		purger, ok := s.(MemberPurger)
		require.True(t, ok)

		a, b := uniqueRoom("pa"), uniqueRoom("pb")
		require.NoError(t, s.AddMember(ctx, a, "c1", "alice"))
		require.NoError(t, s.AddMember(ctx, b, "c2", "bob"))
		require.NoError(t, s.AppendMessage(ctx, a, msg("alice", "kept")))

		require.NoError(t, purger.PurgeMembers(ctx))

		for _, room := range []string{a, b} {
			members, err := s.ListMembers(ctx, room)
			require.NoError(t, err)
			assert.Empty(t, members)
		}
		msgs, err := s.ListMessages(ctx, a, 10)
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t, Options{})
		p, ok := s.(Pinger)
		require.True(t, ok)
		assert.NoError(t, p.Ping(ctx))
	})
}
