package handlers

import (
	"errors"
	"time"
)

const readyTimeout = 2 * time.Second // readyz のストア疎通確認の期限

var (
	errRoomRequired = errors.New("room required")
	errInvalidLimit = errors.New("limit must be a non-negative integer")
)

// validateRoomParam はURLのルーム名のバリデーションを行います
// 長さなどの詳細はサービス層で検証します
func validateRoomParam(room string) error {
	if normalizeID(room) == "" {
		return errRoomRequired
	}
	return nil
}
