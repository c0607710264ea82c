package service

import (
	"strings"
	"unicode/utf8"
)

const (
	maxUserNameLen = 32 // ユーザー名の最大文字数
	maxRoomLen     = 64 // ルーム名の最大文字数
)

// normalizeName は前後の空白を削除して正規化します
func normalizeName(s string) string {
	return strings.TrimSpace(s)
}

// validateUserName はユーザー名のバリデーションを行います
func validateUserName(name string) error {
	if name == "" || utf8.RuneCountInString(name) > maxUserNameLen {
		return ErrInvalidUserName
	}
	return nil
}

// validateRoom はルーム名のバリデーションを行います
func validateRoom(room string) error {
	if room == "" || utf8.RuneCountInString(room) > maxRoomLen {
		return ErrInvalidRoom
	}
	return nil
}
