package server

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// RoomOptions configures every room created by a Namespace
type RoomOptions struct {
	Settings SettingsSource
	Observer RoomObserver

	// Capacity of each room's event queue
	QueueSize int
	// Capacity of each connection's outbox
	SendBuffer int
	// Idle time after which a room goroutine exits. Zero keeps occupied rooms running.
	SuspendAfter time.Duration

	Now func() time.Time
}

func (options *RoomOptions) now() time.Time {
	if options.Now != nil {
		return options.Now()
	}
	return time.Now()
}

// Namespace addresses rooms by id. There is at most one Room per id at a time; it is created by the
// first connection addressed to it and forgotten once it is empty and idle.
type Namespace struct {
	mutex  sync.Mutex
	rooms  map[string]*Room
	closed bool

	options RoomOptions
	workers sync.WaitGroup
}

// NewNamespace creates an empty Namespace
func NewNamespace(options RoomOptions) *Namespace {
	if options.QueueSize <= 0 {
		options.QueueSize = DefaultQueueSize
	}
	if options.SendBuffer <= 0 {
		options.SendBuffer = DefaultSendBuffer
	}
	if options.Settings == nil {
		options.Settings = ScheduledSettings{Defaults: RoomSettings{MaxPlayers: DefaultMaxPlayers, MaxDuration: DefaultMaxDuration}}
	}

	return &Namespace{
		rooms:   make(map[string]*Room),
		options: options,
	}
}

// Accept admits a player into roomID. upgrade is called from the room goroutine only if the player
// is admitted; ErrRoomFull and ErrInvalidRequest are returned without calling it.
func (ns *Namespace) Accept(roomID string, tag ConnectionTag, upgrade UpgradeFunc) error {
	if roomID == "" || tag.PlayerID == "" || tag.GameID == "" {
		return ErrInvalidRequest
	}

	event := acceptEvent{
		tag:     tag,
		upgrade: upgrade,
		result:  make(chan error, 1),
	}
	if err := ns.dispatch(roomID, event); err != nil {
		return err
	}
	return <-event.result
}

// Snapshot returns the current state of roomID, or false if no such room is hosted
func (ns *Namespace) Snapshot(roomID string) (RoomSnapshot, bool) {
	ns.mutex.Lock()
	room, exists := ns.rooms[roomID]
	if !exists || ns.closed {
		ns.mutex.Unlock()
		return RoomSnapshot{}, false
	}
	if err := room.reserve(false); err != nil {
		ns.mutex.Unlock()
		return RoomSnapshot{}, false
	}
	ns.mutex.Unlock()

	reply := make(chan RoomSnapshot, 1)
	room.events <- snapshotEvent{reply: reply}
	return <-reply, true
}

// RoomIDs lists the hosted rooms, sorted
func (ns *Namespace) RoomIDs() []string {
	ns.mutex.Lock()
	defer ns.mutex.Unlock()

	ids := make([]string, 0, len(ns.rooms))
	for id := range ns.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown closes every connection and waits for the room goroutines to finish or ctx to end
func (ns *Namespace) Shutdown(ctx context.Context) error {
	ns.mutex.Lock()
	ns.closed = true
	rooms := make([]*Room, 0, len(ns.rooms))
	for _, room := range ns.rooms {
		rooms = append(rooms, room)
	}
	ns.mutex.Unlock()

	for _, room := range rooms {
		if err := room.reserve(true); err != nil {
			continue
		}
		room.mutex.Lock()
		room.stopped = true
		room.mutex.Unlock()
		room.events <- shutdownEvent{}
	}

	log.WithField("rooms", len(rooms)).Info("Shutting down rooms")

	done := make(chan struct{})
	go func() {
		ns.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch looks up or creates the room and queues event on it. The lookup and the reservation happen
// under the namespace lock, so a room cannot be forgotten between the two.
func (ns *Namespace) dispatch(roomID string, event interface{}) error {
	ns.mutex.Lock()
	if ns.closed {
		ns.mutex.Unlock()
		return ErrRoomUnavailable
	}

	room, exists := ns.rooms[roomID]
	if !exists {
		room = newRoom(roomID, ns)
		ns.rooms[roomID] = room
	}
	if err := room.reserve(false); err != nil {
		ns.mutex.Unlock()
		return err
	}
	ns.mutex.Unlock()

	room.events <- event
	return nil
}

// MatchmakerObserver keeps the matchmaking registry in step with room lifecycles. Registry calls run
// one at a time on a background worker so rooms never wait on the registry.
type MatchmakerObserver struct {
	matchmaker *Matchmaker
	timeout    time.Duration

	mutex  sync.RWMutex
	closed bool
	tasks  chan func(ctx context.Context) error
	done   chan struct{}
}

// NewMatchmakerObserver starts the worker. backlog bounds how many registry updates may be queued.
func NewMatchmakerObserver(matchmaker *Matchmaker, backlog int, timeout time.Duration) *MatchmakerObserver {
	observer := &MatchmakerObserver{
		matchmaker: matchmaker,
		timeout:    timeout,
		tasks:      make(chan func(ctx context.Context) error, backlog),
		done:       make(chan struct{}),
	}
	go observer.work()
	return observer
}

// RoomStarted stops matchmaking from offering a room whose game has begun
func (observer *MatchmakerObserver) RoomStarted(gameID, roomID string) {
	observer.enqueue("start", gameID, roomID, func(ctx context.Context) error {
		return observer.matchmaker.CloseRoom(ctx, gameID, roomID)
	})
}

// PlayerLeft frees the seat of a departed player in the registry
func (observer *MatchmakerObserver) PlayerLeft(gameID, roomID string) {
	observer.enqueue("leave", gameID, roomID, func(ctx context.Context) error {
		return observer.matchmaker.PlayerLeftRoom(ctx, gameID, roomID)
	})
}

// RoomClosed removes an emptied or timed out room from the registry
func (observer *MatchmakerObserver) RoomClosed(gameID, roomID string) {
	observer.enqueue("close", gameID, roomID, func(ctx context.Context) error {
		return observer.matchmaker.CloseRoom(ctx, gameID, roomID)
	})
}

// Close stops the worker once the queued updates have run
func (observer *MatchmakerObserver) Close() {
	observer.mutex.Lock()
	if !observer.closed {
		observer.closed = true
		close(observer.tasks)
	}
	observer.mutex.Unlock()
	<-observer.done
}

func (observer *MatchmakerObserver) enqueue(action, gameID, roomID string, task func(ctx context.Context) error) {
	wrapped := func(ctx context.Context) error {
		if err := task(ctx); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"action": action,
				"game":   gameID,
				"room":   roomID,
			}).Warn("Failed to update matchmaking registry")
			return err
		}
		return nil
	}

	observer.mutex.RLock()
	defer observer.mutex.RUnlock()
	if observer.closed {
		return
	}

	select {
	case observer.tasks <- wrapped:
	default:
		log.WithFields(log.Fields{
			"action": action,
			"game":   gameID,
			"room":   roomID,
		}).Warn("Registry update backlog full, dropping update")
	}
}

func (observer *MatchmakerObserver) work() {
	defer close(observer.done)

	for task := range observer.tasks {
		ctx, cancel := context.WithTimeout(context.Background(), observer.timeout)
		_ = task(ctx)
		cancel()
	}
}
