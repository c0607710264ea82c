// Package models はアプリケーションで使用するデータ構造を定義します
package models

// User は接続中のユーザーを表します
// 接続レジストリだけが保持し、退出・切断時に破棄されます
type User struct {
	ConnectionId string `json:"connectionId"` // 接続の一意な識別子（プロセス内で一意）
	UserName     string `json:"username"`     // ユーザー名（一意である必要はない）
	Room         string `json:"room"`         // 参加しているルーム名
}

// Message はルームに流れるチャットメッセージです
// 作成後は変更されません
type Message struct {
	Id             string `json:"id"`             // メッセージID（クライアント側の重複排除用）
	SenderUserName string `json:"senderUsername"` // 送信者名（システムメッセージはボット名）
	Text           string `json:"text"`           // 本文
	Timestamp      string `json:"timestamp"`      // 表示用の時刻（並び順には使わない）
}

// Member はルームの参加者一覧（ロスター）の1エントリです
type Member struct {
	ConnectionId string `json:"connectionId"` // 接続ID
	UserName     string `json:"username"`     // ユーザー名
}

// Roster はルームの参加者一覧です
type Roster struct {
	Room  string   `json:"room"`  // ルーム名
	Users []Member `json:"users"` // 参加者（永続ストアの内容そのまま）
}

// イベント種別
const (
	EventJoin    = "join"    // client→server: 入室
	EventMessage = "message" // 双方向: チャットメッセージ
	EventLeave   = "leave"   // client→server: 退出
	EventRoster  = "roster"  // server→client: 参加者一覧
	EventError   = "error"   // server→client: エラー通知
	EventPing    = "ping"    // client→server: 接続維持
	EventPong    = "pong"    // server→client: ping への応答
)

// Event はWebSocketで送信するメッセージの構造
// すべてのサーバー発イベントはこの形式でやり取りされます
type Event struct {
	Type    string `json:"type"`              // イベント種別
	Payload any    `json:"payload,omitempty"` // ペイロード（型は種別ごとに異なる）
}

// ErrorPayload はエラー通知のペイロード
type ErrorPayload struct {
	Message string `json:"message"`
}
