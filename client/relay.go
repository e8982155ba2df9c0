package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alejzeis/minigame-rooms/common"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// ErrNotConnected is returned when sending while no room session is open
var ErrNotConnected = errors.New("not connected to a room")

// toWebsocketURL swaps the scheme of a REST server URL for the matching websocket scheme
func toWebsocketURL(serverURL string) (string, error) {
	if strings.HasPrefix(serverURL, "http://") {
		return "ws://" + strings.TrimPrefix(serverURL, "http://"), nil
	} else if strings.HasPrefix(serverURL, "https://") {
		return "wss://" + strings.TrimPrefix(serverURL, "https://"), nil
	} else if strings.HasPrefix(serverURL, "ws://") || strings.HasPrefix(serverURL, "wss://") {
		return serverURL, nil
	}
	return "", fmt.Errorf("invalid server address %q", serverURL)
}

// roomSession is the connection of this client to one room. Every event received is handed to onEvent
// from the reader goroutine.
type roomSession struct {
	mutex      sync.Mutex
	connection common.MessageConnection
	playerID   string
	roomID     string

	onEvent func(common.Envelope)
	done    chan struct{}
}

func openRoomSession(provider common.MessageConnectionProvider, serverURL string, match common.MatchResponse, playerID string, onEvent func(common.Envelope)) (*roomSession, error) {
	base, err := toWebsocketURL(strings.TrimSuffix(serverURL, "/"))
	if err != nil {
		return nil, err
	}

	address := base + match.Path
	connection, err := provider.DialForConnection(address)
	if err != nil {
		log.WithError(err).WithField("address", address).Error("Failed to connect to room")
		return nil, err
	}

	session := &roomSession{
		connection: connection,
		playerID:   playerID,
		roomID:     match.RoomID,
		onEvent:    onEvent,
		done:       make(chan struct{}),
	}
	go session.readMessages()

	log.WithFields(log.Fields{
		"room":   match.RoomID,
		"player": playerID,
	}).Info("Connected to room")
	return session, nil
}

// send writes one message of msgType. payload must be valid JSON or empty.
func (session *roomSession) send(msgType string, payload json.RawMessage) error {
	if len(payload) > 0 && !json.Valid(payload) {
		return fmt.Errorf("payload is not valid JSON")
	}

	data, err := common.Envelope{
		Type:      msgType,
		Payload:   payload,
		PlayerID:  session.playerID,
		Timestamp: time.Now().UnixMilli(),
	}.Encode()
	if err != nil {
		return err
	}

	session.mutex.Lock()
	defer session.mutex.Unlock()

	if session.connection.IsClosed() {
		return ErrNotConnected
	}
	return session.connection.WriteMessage(data)
}

func (session *roomSession) readMessages() {
	defer close(session.done)

	for {
		data, err := session.connection.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.ClosePolicyViolation) {
				log.WithError(err).WithField("room", session.roomID).Warn("Room connection closed by server")
			} else if !session.connection.IsClosed() {
				log.WithError(err).WithField("room", session.roomID).Warn("Failed to read message from room connection")
			}
			_ = session.connection.Close()
			return
		}

		envelope, err := common.DecodeEnvelope(data)
		if err != nil {
			log.WithError(err).WithField("room", session.roomID).Warn("Received malformed message")
			continue
		}
		session.onEvent(envelope)
	}
}

// close leaves the room and waits for the reader to stop
func (session *roomSession) close() {
	session.mutex.Lock()
	err := session.connection.CloseWithMessage(websocket.CloseNormalClosure, "Leaving")
	session.mutex.Unlock()
	if err != nil && !errors.Is(err, common.ErrConnectionClosed) {
		log.WithError(err).WithField("room", session.roomID).Debug("Close frame not delivered")
	}
	<-session.done
}
