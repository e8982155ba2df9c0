package server

import (
	"sort"
	"sync"
	"time"

	"github.com/alejzeis/minigame-rooms/common"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// UpgradeFunc completes the transport handshake for an accepted player, e.g. a websocket upgrade.
// It is only called once the room has decided to admit the player.
type UpgradeFunc func() (common.MessageConnection, error)

// RoomObserver is told about room lifecycle changes the matchmaking registry cares about.
// Calls are made from the room goroutine and must not block.
type RoomObserver interface {
	// RoomStarted is called once, when the game starts and the room stops taking new players
	RoomStarted(gameID, roomID string)
	// PlayerLeft is called when a player leaves a room that still has members
	PlayerLeft(gameID, roomID string)
	// RoomClosed is called when a room empties or times out
	RoomClosed(gameID, roomID string)
}

// SettingsSource picks the settings of a new room from its game id
type SettingsSource interface {
	For(gameID string) RoomSettings
}

// Player is one member of a room's roster
type Player struct {
	ID          string
	Ready       bool
	ConnectedAt time.Time
}

// RoomSnapshot is a point-in-time copy of a room's state
type RoomSnapshot struct {
	RoomID        string               `json:"roomId"`
	GameID        string               `json:"gameId"`
	Players       []common.RosterEntry `json:"players"`
	Started       bool                 `json:"started"`
	StartTime     int64                `json:"startTime,omitempty"`
	MaxPlayers    int                  `json:"maxPlayers"`
	MaxDurationMs int64                `json:"maxDurationMs"`
}

// roomState is the volatile part of a room. It lives only while the room goroutine is active
// and is rebuilt from the open sockets' tags when the room is reactivated.
type roomState struct {
	gameID    string
	players   map[string]*Player
	sockets   map[string]*socket
	started   bool
	startTime time.Time
	settings  RoomSettings
}

type acceptEvent struct {
	tag     ConnectionTag
	upgrade UpgradeFunc
	result  chan error
}

type messageEvent struct {
	sock *socket
	data []byte
}

type closeEvent struct {
	sock *socket
	err  error
}

type deadlineEvent struct {
	generation uint64
}

type snapshotEvent struct {
	reply chan RoomSnapshot
}

type shutdownEvent struct{}

// Room hosts the coordinator for one room id. Every event for the room (accepts, inbound messages,
// closes, the deadline) is queued and handled one at a time by a single goroutine, which exits
// when the room has been idle for a while and is started again by the next event.
type Room struct {
	id        string
	namespace *Namespace
	options   *RoomOptions

	events chan interface{}

	mutex   sync.Mutex
	active  bool
	pending int
	stopped bool

	// Everything below is owned by the room goroutine, except that the deadline timer callback
	// only ever posts an event.

	// Open sockets. They outlive suspension and carry the tags the roster is rebuilt from.
	live map[*socket]struct{}
	// Settings fixed when the room was created, kept across suspension
	fixed *RoomSettings
	// Pending deadline, kept across suspension. Zero when none is scheduled.
	deadline         time.Time
	deadlineTimer    *time.Timer
	deadlineSequence uint64

	state *roomState
}

func newRoom(id string, namespace *Namespace) *Room {
	return &Room{
		id:        id,
		namespace: namespace,
		options:   &namespace.options,
		events:    make(chan interface{}, namespace.options.QueueSize),
		live:      make(map[*socket]struct{}),
	}
}

// reserve registers one event about to be sent and makes sure the room goroutine is running.
// The room cannot suspend while reservations are outstanding.
func (r *Room) reserve(force bool) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.stopped && !force {
		return ErrRoomUnavailable
	}

	r.pending++
	if !r.active {
		r.active = true
		r.namespace.workers.Add(1)
		go r.run()
	}
	return nil
}

// post queues an event from inside the server: socket readers and the deadline timer
func (r *Room) post(event interface{}) error {
	if err := r.reserve(false); err != nil {
		return err
	}
	r.events <- event
	return nil
}

func (r *Room) run() {
	defer r.namespace.workers.Done()

	idleAfter := r.options.SuspendAfter
	if idleAfter <= 0 {
		idleAfter = DefaultSuspendAfter
	}
	idle := time.NewTimer(idleAfter)
	defer idle.Stop()

	r.activate()

	for {
		select {
		case event := <-r.events:
			r.mutex.Lock()
			r.pending--
			r.mutex.Unlock()

			r.handle(event)

			if r.tryStop() {
				return
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(idleAfter)
		case <-idle.C:
			if r.trySuspend() {
				return
			}
			idle.Reset(idleAfter)
		}
	}
}

func (r *Room) tryStop() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.stopped && r.pending == 0 {
		r.active = false
		return true
	}
	return false
}

// trySuspend lets the goroutine exit and drops the volatile state. A room with no open sockets and
// no pending deadline is also forgotten by the namespace.
func (r *Room) trySuspend() bool {
	occupied := len(r.live) > 0 || !r.deadline.IsZero()
	if occupied && r.options.SuspendAfter <= 0 {
		return false
	}

	r.namespace.mutex.Lock()
	defer r.namespace.mutex.Unlock()
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.pending > 0 {
		return false
	}

	r.active = false
	r.state = nil
	if !occupied {
		r.fixed = nil
		if r.namespace.rooms[r.id] == r {
			delete(r.namespace.rooms, r.id)
		}
	}

	log.WithFields(log.Fields{
		"room":    r.id,
		"sockets": len(r.live),
	}).Debug("Room suspended")
	return true
}

// activate rebuilds the roster from the tags and ready bits of the tracked sockets. A pending deadline
// means the game had started, which only happens once every member is ready. Sockets that closed while
// the room was suspended are rebuilt too, so their queued close event removes them the usual way.
func (r *Room) activate() {
	if r.state != nil || len(r.live) == 0 {
		return
	}

	var state *roomState
	for sock := range r.live {
		if state == nil {
			state = r.newState(sock.tag.GameID)
			if !r.deadline.IsZero() {
				state.started = true
				state.startTime = r.deadline.Add(-state.settings.MaxDuration)
			}
		}

		state.players[sock.tag.PlayerID] = &Player{
			ID:          sock.tag.PlayerID,
			Ready:       state.started || sock.ready,
			ConnectedAt: sock.connectedAt,
		}
		state.sockets[sock.tag.PlayerID] = sock
	}
	r.state = state

	if state != nil {
		log.WithFields(log.Fields{
			"room":    r.id,
			"players": len(state.players),
			"started": state.started,
		}).Debug("Room reactivated")
	}
}

func (r *Room) newState(gameID string) *roomState {
	if r.fixed == nil {
		settings := r.options.Settings.For(gameID)
		r.fixed = &settings
	}

	return &roomState{
		gameID:   gameID,
		players:  make(map[string]*Player),
		sockets:  make(map[string]*socket),
		settings: *r.fixed,
	}
}

func (r *Room) handle(event interface{}) {
	switch ev := event.(type) {
	case acceptEvent:
		ev.result <- r.handleAccept(ev)
	case messageEvent:
		r.handleMessage(ev)
	case closeEvent:
		r.handleClose(ev)
	case deadlineEvent:
		r.handleDeadline(ev)
	case snapshotEvent:
		ev.reply <- r.snapshot()
	case shutdownEvent:
		r.handleShutdown()
	}
}

func (r *Room) handleAccept(ev acceptEvent) error {
	if ev.tag.PlayerID == "" || ev.tag.GameID == "" {
		return ErrInvalidRequest
	}

	state := r.state
	if state == nil {
		state = r.newState(ev.tag.GameID)
	}

	playerID := ev.tag.PlayerID
	player, member := state.players[playerID]
	if len(state.players) >= state.settings.MaxPlayers && !member {
		log.WithFields(log.Fields{
			"room":   r.id,
			"player": playerID,
		}).Info("Rejected player, room is full")
		return ErrRoomFull
	}

	conn, err := ev.upgrade()
	if err != nil {
		if r.state == nil {
			r.fixed = nil
		}
		return err
	}
	r.state = state

	if state.gameID != ev.tag.GameID {
		log.WithFields(log.Fields{
			"room":      r.id,
			"roomGame":  state.gameID,
			"claimGame": ev.tag.GameID,
		}).Warn("Player joined with a different game id than the room's")
	}

	now := r.options.now()
	sock := newSocket(ev.tag, conn, r.options.SendBuffer, now)
	r.live[sock] = struct{}{}
	sock.start()
	go r.readMessages(sock)

	if previous, exists := state.sockets[playerID]; exists {
		// A re-join replaces the old connection; its close must not evict the player
		delete(r.live, previous)
		previous.closeWith(websocket.ClosePolicyViolation, "Replaced by a newer connection")
	}
	state.sockets[playerID] = sock

	if !member {
		player = &Player{ID: playerID}
		state.players[playerID] = player
	}
	player.ConnectedAt = now
	sock.ready = player.Ready

	log.WithFields(log.Fields{
		"room":    r.id,
		"game":    state.gameID,
		"player":  playerID,
		"address": conn.RemoteAddr(),
		"rejoin":  member,
		"players": len(state.players),
	}).Info("Player joined room")

	r.broadcast(common.EventPlayerJoined, common.PlayerJoinedPayload{
		PlayerID:    playerID,
		PlayerCount: len(state.players),
		MaxPlayers:  state.settings.MaxPlayers,
	}, playerID)

	roster := make([]common.RosterEntry, 0, len(state.players))
	for _, p := range state.sortedPlayers() {
		roster = append(roster, common.RosterEntry{ID: p.ID, Ready: p.Ready})
	}
	r.sendTo(sock, common.EventRoomState, common.RoomStatePayload{
		GameID:     state.gameID,
		Players:    roster,
		Started:    state.started,
		MaxPlayers: state.settings.MaxPlayers,
	})

	return nil
}

func (r *Room) handleMessage(ev messageEvent) {
	if _, tracked := r.live[ev.sock]; !tracked || r.state == nil {
		return
	}

	playerID := ev.sock.tag.PlayerID
	message, err := common.DecodeEnvelope(ev.data)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"room":   r.id,
			"player": playerID,
		}).Debug("Malformed message")
		r.sendTo(ev.sock, common.EventError, common.ErrorPayload{Message: "Invalid message format"})
		return
	}

	switch message.Type {
	case common.MessageReady:
		r.handleReady(playerID)
	case common.MessageMove:
		r.handleMove(ev.sock, message)
	case common.MessagePing:
		r.sendTo(ev.sock, common.EventPong, nil)
	default:
		// Game-specific types are relayed untouched apart from sender and timestamp
		message.PlayerID = playerID
		message.Timestamp = r.options.now().UnixMilli()
		r.broadcastEnvelope(message, playerID)
	}
}

func (r *Room) handleReady(playerID string) {
	state := r.state
	player, exists := state.players[playerID]
	if !exists {
		return
	}
	player.Ready = true
	if sock, exists := state.sockets[playerID]; exists {
		sock.ready = true
	}

	r.broadcast(common.EventPlayerReady, common.PlayerReadyPayload{PlayerID: playerID}, "")

	if !state.started && state.allReady() {
		r.startGame()
	}
}

func (r *Room) handleMove(sender *socket, message common.Envelope) {
	if !r.state.started {
		r.sendTo(sender, common.EventError, common.ErrorPayload{Message: "Game has not started yet"})
		return
	}

	r.broadcastEnvelope(common.Envelope{
		Type:      common.EventMove,
		Payload:   message.Payload,
		PlayerID:  sender.tag.PlayerID,
		Timestamp: r.options.now().UnixMilli(),
	}, sender.tag.PlayerID)
}

func (r *Room) startGame() {
	state := r.state
	state.started = true
	state.startTime = r.options.now()

	players := make([]common.PlayerRef, 0, len(state.players))
	for _, p := range state.sortedPlayers() {
		players = append(players, common.PlayerRef{ID: p.ID})
	}

	r.broadcast(common.EventGameStart, common.GameStartPayload{
		StartTime:     state.startTime.UnixMilli(),
		Players:       players,
		MaxDurationMs: state.settings.MaxDuration.Milliseconds(),
	}, "")

	r.setDeadline(state.startTime.Add(state.settings.MaxDuration))

	log.WithFields(log.Fields{
		"room":     r.id,
		"game":     state.gameID,
		"players":  len(players),
		"deadline": r.deadline,
	}).Info("Game started")

	if r.options.Observer != nil {
		r.options.Observer.RoomStarted(state.gameID, r.id)
	}
}

func (r *Room) handleClose(ev closeEvent) {
	if _, tracked := r.live[ev.sock]; !tracked {
		return
	}
	delete(r.live, ev.sock)
	ev.sock.terminate()

	state := r.state
	playerID := ev.sock.tag.PlayerID
	if state == nil || state.sockets[playerID] != ev.sock {
		return
	}
	delete(state.sockets, playerID)
	delete(state.players, playerID)

	log.WithError(ev.err).WithFields(log.Fields{
		"room":    r.id,
		"player":  playerID,
		"players": len(state.players),
	}).Info("Player left room")

	r.broadcast(common.EventPlayerLeft, common.PlayerLeftPayload{
		PlayerID:    playerID,
		PlayerCount: len(state.players),
	}, "")

	if len(state.players) > 0 {
		if r.options.Observer != nil {
			r.options.Observer.PlayerLeft(state.gameID, r.id)
		}
		return
	}

	r.cancelDeadline()
	r.state = nil
	r.fixed = nil
	if r.options.Observer != nil {
		r.options.Observer.RoomClosed(state.gameID, r.id)
	}
}

func (r *Room) handleDeadline(ev deadlineEvent) {
	if ev.generation != r.deadlineSequence || r.deadline.IsZero() {
		// Cancelled or rescheduled after the timer had already fired
		return
	}
	r.deadline = time.Time{}
	r.deadlineTimer = nil

	state := r.state
	if state == nil {
		return
	}

	log.WithFields(log.Fields{
		"room":    r.id,
		"game":    state.gameID,
		"players": len(state.players),
	}).Info("Game duration exceeded, closing room")

	r.broadcast(common.EventGameTimeout, common.GameTimeoutPayload{
		Message:    "Game duration exceeded. Room closing.",
		DurationMs: state.settings.MaxDuration.Milliseconds(),
	}, "")

	for sock := range r.live {
		sock.closeWith(websocket.CloseNormalClosure, "Game timeout")
		delete(r.live, sock)
	}
	r.state = nil
	r.fixed = nil

	if r.options.Observer != nil {
		r.options.Observer.RoomClosed(state.gameID, r.id)
	}
}

func (r *Room) handleShutdown() {
	r.cancelDeadline()
	for sock := range r.live {
		sock.closeWith(websocket.CloseGoingAway, "Server shutting down")
		delete(r.live, sock)
	}
	r.state = nil
	r.fixed = nil
}

func (r *Room) setDeadline(at time.Time) {
	r.cancelDeadline()

	r.deadline = at
	generation := r.deadlineSequence
	r.deadlineTimer = time.AfterFunc(at.Sub(r.options.now()), func() {
		if err := r.post(deadlineEvent{generation: generation}); err != nil {
			log.WithError(err).WithField("room", r.id).Debug("Deadline fired after room stopped")
		}
	})
}

func (r *Room) cancelDeadline() {
	if r.deadlineTimer != nil {
		r.deadlineTimer.Stop()
		r.deadlineTimer = nil
	}
	r.deadline = time.Time{}
	r.deadlineSequence++
}

func (r *Room) readMessages(sock *socket) {
	for {
		data, err := sock.conn.ReadMessage()
		if err != nil {
			sock.terminate()
			if postErr := r.post(closeEvent{sock: sock, err: err}); postErr != nil {
				log.WithError(postErr).WithField("room", r.id).Debug("Dropped close event")
			}
			return
		}

		if err := r.post(messageEvent{sock: sock, data: data}); err != nil {
			sock.terminate()
			return
		}
	}
}

func (r *Room) encode(eventType string, payload interface{}) []byte {
	envelope, err := common.NewEnvelope(eventType, common.SystemPlayerID, payload, r.options.now())
	if err != nil {
		log.WithError(err).WithField("type", eventType).Error("Failed to encode event")
		return nil
	}
	data, err := envelope.Encode()
	if err != nil {
		log.WithError(err).WithField("type", eventType).Error("Failed to encode event")
		return nil
	}
	return data
}

// broadcast sends a system event to every member except exclude
func (r *Room) broadcast(eventType string, payload interface{}, exclude string) {
	if data := r.encode(eventType, payload); data != nil {
		r.broadcastData(data, exclude)
	}
}

func (r *Room) broadcastEnvelope(envelope common.Envelope, exclude string) {
	data, err := envelope.Encode()
	if err != nil {
		log.WithError(err).WithField("type", envelope.Type).Warn("Failed to encode relayed message")
		return
	}
	r.broadcastData(data, exclude)
}

func (r *Room) broadcastData(data []byte, exclude string) {
	for playerID, sock := range r.state.sockets {
		if playerID == exclude {
			continue
		}
		sock.send(data)
	}
}

func (r *Room) sendTo(sock *socket, eventType string, payload interface{}) {
	if data := r.encode(eventType, payload); data != nil {
		sock.send(data)
	}
}

func (r *Room) snapshot() RoomSnapshot {
	snapshot := RoomSnapshot{
		RoomID:  r.id,
		Players: []common.RosterEntry{},
	}

	state := r.state
	if state == nil {
		return snapshot
	}

	snapshot.GameID = state.gameID
	snapshot.Started = state.started
	snapshot.MaxPlayers = state.settings.MaxPlayers
	snapshot.MaxDurationMs = state.settings.MaxDuration.Milliseconds()
	if state.started {
		snapshot.StartTime = state.startTime.UnixMilli()
	}
	for _, p := range state.sortedPlayers() {
		snapshot.Players = append(snapshot.Players, common.RosterEntry{ID: p.ID, Ready: p.Ready})
	}
	return snapshot
}

func (state *roomState) allReady() bool {
	if len(state.players) < 2 {
		return false
	}
	for _, p := range state.players {
		if !p.Ready {
			return false
		}
	}
	return true
}

func (state *roomState) sortedPlayers() []*Player {
	players := make([]*Player, 0, len(state.players))
	for _, p := range state.players {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool {
		return players[i].ID < players[j].ID
	})
	return players
}
