// Package formatter は表示用のメッセージレコードを組み立てます
package formatter

import (
	"time"

	"github.com/SaeedHaddad/ChatApp/internal/idgen"
	"github.com/SaeedHaddad/ChatApp/internal/models"
)

// TimeLayout は表示用タイムスタンプの書式です（例: "3:04 pm"）
const TimeLayout = "3:04 pm"

// Formatter はメッセージを生成します
// Now と NewID を差し替えるとテストで結果を固定できます
type Formatter struct {
	Now   func() time.Time // 現在時刻
	NewID func() string    // メッセージID生成
}

// New は実時間とUUIDを使うFormatterを返します
func New() Formatter {
	return Formatter{Now: time.Now, NewID: idgen.NewMessageID}
}

// Format は送信者名と本文からメッセージを作ります
func (f Formatter) Format(sender, text string) models.Message {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	newID := idgen.NewMessageID
	if f.NewID != nil {
		newID = f.NewID
	}
	return models.Message{
		Id:             newID(),
		SenderUserName: sender,
		Text:           text,
		Timestamp:      now().Format(TimeLayout),
	}
}
