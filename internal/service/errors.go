package service

import "errors"

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrNotMember      = errors.New("not a member of this room")
	ErrMemberNotFound = errors.New("member not found")
	ErrPermission     = errors.New("permission denied")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidCard    = errors.New("invalid card")
)
