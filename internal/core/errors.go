package core

import "errors"

var (
	ErrMalformedEnvelope  = errors.New("malformed envelope")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomInactive       = errors.New("room inactive")
	ErrDirectoryDown      = errors.New("directory unavailable")
)
