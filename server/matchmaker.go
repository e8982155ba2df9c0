package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// OpenRoom is the registry record for one room that matchmaking may place players in
type OpenRoom struct {
	RoomID      string `json:"roomId"`
	GameID      string `json:"gameId"`
	PlayerCount int    `json:"playerCount"`
	MaxPlayers  int    `json:"maxPlayers"`
	CreatedAt   int64  `json:"createdAt"`
}

// Matchmaker assigns players to rooms through a shared Registry. It keeps no state of its own.
//
// Registry keys:
//   - rooms:{gameId}:open      JSON array of OpenRoom with spare capacity, in arrival order
//   - rooms:{gameId}:{roomId}  the OpenRoom record itself
//
// Reads and writes are not transactional: two players racing for the last slot of a room
// can both be placed in it. The room coordinator's capacity check rejects the surplus connection.
type Matchmaker struct {
	registry   Registry
	ttl        time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

// NewMatchmaker creates a Matchmaker writing entries with the given TTL and ignoring open rooms older than staleAfter
func NewMatchmaker(registry Registry, ttl, staleAfter time.Duration) *Matchmaker {
	return &Matchmaker{
		registry:   registry,
		ttl:        ttl,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func openRoomsKey(gameID string) string {
	return "rooms:" + gameID + ":open"
}

func roomKey(gameID, roomID string) string {
	return "rooms:" + gameID + ":" + roomID
}

// FindOrCreateRoom returns the first open room of gameID with spare capacity, or registers a new one
func (mm *Matchmaker) FindOrCreateRoom(ctx context.Context, gameID, playerID string, maxPlayers int) (string, error) {
	if gameID == "" || playerID == "" {
		return "", ErrInvalidRequest
	}

	openRooms, err := mm.loadOpenRooms(ctx, gameID)
	if err != nil {
		return "", err
	}

	staleThreshold := mm.now().Add(-mm.staleAfter).UnixMilli()
	fresh := openRooms[:0]
	for _, room := range openRooms {
		if room.CreatedAt > staleThreshold {
			fresh = append(fresh, room)
		}
	}
	openRooms = fresh

	for i := range openRooms {
		target := openRooms[i]
		if target.PlayerCount >= target.MaxPlayers {
			continue
		}

		target.PlayerCount++
		if target.PlayerCount >= target.MaxPlayers {
			openRooms = removeOpenRoom(openRooms, target.RoomID)
		} else {
			openRooms[i] = target
		}

		if err := mm.storeOpenRooms(ctx, gameID, openRooms); err != nil {
			return "", err
		}
		if err := mm.storeRoom(ctx, target); err != nil {
			return "", err
		}

		log.WithFields(log.Fields{
			"game":        gameID,
			"room":        target.RoomID,
			"player":      playerID,
			"playerCount": target.PlayerCount,
		}).Debug("Matched player into open room")
		return target.RoomID, nil
	}

	room := OpenRoom{
		RoomID:      mm.newRoomID(gameID),
		GameID:      gameID,
		PlayerCount: 1,
		MaxPlayers:  maxPlayers,
		CreatedAt:   mm.now().UnixMilli(),
	}

	// The record goes first so a failed list write can be undone without leaving a listed room behind
	if err := mm.storeRoom(ctx, room); err != nil {
		return "", err
	}
	if err := mm.storeOpenRooms(ctx, gameID, append(openRooms, room)); err != nil {
		if delErr := mm.registry.Delete(ctx, roomKey(gameID, room.RoomID)); delErr != nil {
			log.WithError(delErr).WithField("room", room.RoomID).Warn("Failed to roll back room record after open list write failed")
		}
		return "", err
	}

	log.WithFields(log.Fields{
		"game":   gameID,
		"room":   room.RoomID,
		"player": playerID,
	}).Info("Created new room")
	return room.RoomID, nil
}

// CloseRoom stops a room from being offered by matchmaking and deletes its record
func (mm *Matchmaker) CloseRoom(ctx context.Context, gameID, roomID string) error {
	openRooms, err := mm.loadOpenRooms(ctx, gameID)
	if err != nil {
		return err
	}

	if containsOpenRoom(openRooms, roomID) {
		if err := mm.storeOpenRooms(ctx, gameID, removeOpenRoom(openRooms, roomID)); err != nil {
			return err
		}
	}

	if err := mm.registry.Delete(ctx, roomKey(gameID, roomID)); err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	return nil
}

// PlayerLeftRoom releases one slot of a room, closing it when nobody is left
func (mm *Matchmaker) PlayerLeftRoom(ctx context.Context, gameID, roomID string) error {
	room, found, err := mm.loadRoom(ctx, gameID, roomID)
	if err != nil || !found {
		return err
	}

	room.PlayerCount--
	if room.PlayerCount <= 0 {
		return mm.CloseRoom(ctx, gameID, roomID)
	}

	if err := mm.storeRoom(ctx, room); err != nil {
		return err
	}

	openRooms, err := mm.loadOpenRooms(ctx, gameID)
	if err != nil {
		return err
	}
	if !containsOpenRoom(openRooms, roomID) && room.PlayerCount < room.MaxPlayers {
		return mm.storeOpenRooms(ctx, gameID, append(openRooms, room))
	}
	return nil
}

// OpenRooms lists the rooms currently offered for gameID, stale ones included
func (mm *Matchmaker) OpenRooms(ctx context.Context, gameID string) ([]OpenRoom, error) {
	return mm.loadOpenRooms(ctx, gameID)
}

func (mm *Matchmaker) newRoomID(gameID string) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", gameID, mm.now().UnixMilli(), suffix)
}

func (mm *Matchmaker) loadOpenRooms(ctx context.Context, gameID string) ([]OpenRoom, error) {
	data, err := mm.registry.Get(ctx, openRoomsKey(gameID))
	if errors.Is(err, ErrNotFound) {
		return []OpenRoom{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("read open rooms for %s: %w", gameID, err)
	}

	var openRooms []OpenRoom
	if err := json.Unmarshal(data, &openRooms); err != nil {
		return nil, fmt.Errorf("decode open rooms for %s: %w", gameID, err)
	}
	return openRooms, nil
}

func (mm *Matchmaker) storeOpenRooms(ctx context.Context, gameID string, openRooms []OpenRoom) error {
	data, err := json.Marshal(openRooms)
	if err != nil {
		return err
	}
	if err := mm.registry.Put(ctx, openRoomsKey(gameID), data, mm.ttl); err != nil {
		return fmt.Errorf("write open rooms for %s: %w", gameID, err)
	}
	return nil
}

func (mm *Matchmaker) loadRoom(ctx context.Context, gameID, roomID string) (OpenRoom, bool, error) {
	data, err := mm.registry.Get(ctx, roomKey(gameID, roomID))
	if errors.Is(err, ErrNotFound) {
		return OpenRoom{}, false, nil
	} else if err != nil {
		return OpenRoom{}, false, fmt.Errorf("read room %s: %w", roomID, err)
	}

	var room OpenRoom
	if err := json.Unmarshal(data, &room); err != nil {
		return OpenRoom{}, false, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	return room, true, nil
}

func (mm *Matchmaker) storeRoom(ctx context.Context, room OpenRoom) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	if err := mm.registry.Put(ctx, roomKey(room.GameID, room.RoomID), data, mm.ttl); err != nil {
		return fmt.Errorf("write room %s: %w", room.RoomID, err)
	}
	return nil
}

func containsOpenRoom(openRooms []OpenRoom, roomID string) bool {
	for _, room := range openRooms {
		if room.RoomID == roomID {
			return true
		}
	}
	return false
}

func removeOpenRoom(openRooms []OpenRoom, roomID string) []OpenRoom {
	kept := make([]OpenRoom, 0, len(openRooms))
	for _, room := range openRooms {
		if room.RoomID != roomID {
			kept = append(kept, room)
		}
	}
	return kept
}
