// Package idgen は接続IDとメッセージIDを生成します
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID は単調増加するULIDを返します
// 同一ミリ秒内でも順序が保たれるため、接続IDを並べると接続順になります
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}

// NewConnectionID は新しい接続IDを生成します
func NewConnectionID() string { return NewULID() }

// NewMessageID は新しいメッセージIDを生成します
func NewMessageID() string { return uuid.NewString() }
