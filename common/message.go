package common

import (
	"encoding/json"
	"errors"
	"time"
)

// SystemPlayerID is the sender id carried by every event generated by the room coordinator
const SystemPlayerID = "system"

// Event types emitted by the room coordinator
const (
	EventRoomState    = "room-state"
	EventPlayerJoined = "player-joined"
	EventPlayerReady  = "player-ready"
	EventGameStart    = "game-start"
	EventMove         = "move"
	EventPong         = "pong"
	EventPlayerLeft   = "player-left"
	EventGameTimeout  = "game-timeout"
	EventError        = "error"
)

// Message types interpreted by the room coordinator. Anything else is relayed verbatim.
const (
	MessageReady = "ready"
	MessageMove  = "move"
	MessagePing  = "ping"
)

// ErrMissingType is returned by DecodeEnvelope when a message parses but names no type
var ErrMissingType = errors.New("message has no type")

// Envelope is the wire format of every message in both directions.
// Payload is opaque to the coordinator and kept as raw JSON so relays are verbatim.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	PlayerID  string          `json:"playerId"`
	Timestamp int64           `json:"timestamp"`
}

// DecodeEnvelope parses one message read off a connection
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return env, nil
}

// Encode serializes the envelope for sending
func (env Envelope) Encode() ([]byte, error) {
	return json.Marshal(env)
}

// NewEnvelope builds an envelope with payload marshalled to JSON and the timestamp taken from now
func NewEnvelope(eventType, playerID string, payload interface{}, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      eventType,
		Payload:   raw,
		PlayerID:  playerID,
		Timestamp: now.UnixMilli(),
	}, nil
}

// DecodePayload unmarshals the envelope payload into target
func (env Envelope) DecodePayload(target interface{}) error {
	return json.Unmarshal(env.Payload, target)
}

// RosterEntry is one member in a room-state snapshot
type RosterEntry struct {
	ID    string `json:"id"`
	Ready bool   `json:"ready"`
}

// PlayerRef is one member in a game-start roster
type PlayerRef struct {
	ID string `json:"id"`
}

// RoomStatePayload is sent to a joining player only
type RoomStatePayload struct {
	GameID     string        `json:"gameId"`
	Players    []RosterEntry `json:"players"`
	Started    bool          `json:"started"`
	MaxPlayers int           `json:"maxPlayers"`
}

// PlayerJoinedPayload is broadcast to everyone except the joining player
type PlayerJoinedPayload struct {
	PlayerID    string `json:"playerId"`
	PlayerCount int    `json:"playerCount"`
	MaxPlayers  int    `json:"maxPlayers"`
}

// PlayerReadyPayload is broadcast to every member when someone readies up
type PlayerReadyPayload struct {
	PlayerID string `json:"playerId"`
}

// GameStartPayload is broadcast once, when the room starts
type GameStartPayload struct {
	StartTime     int64       `json:"startTime"`
	Players       []PlayerRef `json:"players"`
	MaxDurationMs int64       `json:"maxDurationMs"`
}

// PlayerLeftPayload is broadcast to the remaining members
type PlayerLeftPayload struct {
	PlayerID    string `json:"playerId"`
	PlayerCount int    `json:"playerCount"`
}

// GameTimeoutPayload is broadcast when the room deadline passes
type GameTimeoutPayload struct {
	Message    string `json:"message"`
	DurationMs int64  `json:"duration_ms"`
}

// ErrorPayload is sent to the offending player only
type ErrorPayload struct {
	Message string `json:"message"`
}
