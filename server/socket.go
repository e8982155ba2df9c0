package server

import (
	"sync"
	"time"

	"github.com/alejzeis/minigame-rooms/common"
	log "github.com/sirupsen/logrus"
)

// ConnectionTag identifies the player behind a connection. It is written once when the connection
// is accepted and is all a room needs to rebuild its roster after being suspended.
type ConnectionTag struct {
	PlayerID string
	GameID   string
}

type outgoing struct {
	data []byte

	close  bool
	code   int
	reason string
}

// socket is a connection tracked by a room. Sends never block the room: messages go through a
// bounded outbox drained by a writer goroutine, and a full outbox or failed write closes the socket.
// The room then cleans up when the reader reports the close.
type socket struct {
	tag         ConnectionTag
	conn        common.MessageConnection
	connectedAt time.Time

	// Set once the player has readied up. Owned by the room goroutine and kept across suspension.
	ready bool

	outbox    chan outgoing
	done      chan struct{}
	closeOnce sync.Once
}

func newSocket(tag ConnectionTag, conn common.MessageConnection, buffer int, connectedAt time.Time) *socket {
	return &socket{
		tag:         tag,
		conn:        conn,
		connectedAt: connectedAt,
		outbox:      make(chan outgoing, buffer),
		done:        make(chan struct{}),
	}
}

func (s *socket) start() {
	go s.writeMessages()
}

// send queues data for the writer. Returns false if the socket is closed or fell too far behind.
func (s *socket) send(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.outbox <- outgoing{data: data}:
		return true
	default:
		log.WithField("player", s.tag.PlayerID).Warn("Outbox full, dropping connection")
		s.terminate()
		return false
	}
}

// closeWith closes the socket with a close frame once everything queued before it has been written
func (s *socket) closeWith(code int, reason string) {
	select {
	case <-s.done:
	case s.outbox <- outgoing{close: true, code: code, reason: reason}:
	default:
		s.terminate()
	}
}

// terminate closes the socket immediately, discarding anything still queued
func (s *socket) terminate() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *socket) writeMessages() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.outbox:
			if msg.close {
				s.closeOnce.Do(func() {
					close(s.done)
					if err := s.conn.CloseWithMessage(msg.code, msg.reason); err != nil {
						log.WithError(err).WithField("player", s.tag.PlayerID).Debug("Close frame not delivered")
					}
				})
				return
			}

			if err := s.conn.WriteMessage(msg.data); err != nil {
				log.WithError(err).WithField("player", s.tag.PlayerID).Debug("Failed to write to connection")
				s.terminate()
				return
			}
		}
	}
}
