package server

import "errors"

var (
	// ErrInvalidRequest is returned when a player or game identifier is missing
	ErrInvalidRequest = errors.New("player_id and game_id required")
	// ErrRoomFull is returned when a new player tries to join a room at capacity
	ErrRoomFull = errors.New("room is full")
	// ErrRoomUnavailable is returned when a room can no longer take events, e.g. during shutdown
	ErrRoomUnavailable = errors.New("room unavailable")
	// ErrNotFound is returned by a Registry when a key is absent or expired
	ErrNotFound = errors.New("registry key not found")
)
