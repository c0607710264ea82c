package service

import "errors"

// カスタムエラー定義
var (
	ErrInvalidUserName = errors.New("username required (max 32 characters)")
	ErrInvalidRoom     = errors.New("room required (max 64 characters)")
	ErrAlreadyJoined   = errors.New("connection already joined a room")
)
