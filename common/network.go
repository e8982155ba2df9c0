package common

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ControlWriteWait bounds how long a close frame may take to be written
const ControlWriteWait = 5 * time.Second

// ErrConnectionClosed is returned when closing a connection that was already closed
var ErrConnectionClosed = errors.New("connection already closed")

// Represents a connection capable of sending full messages between each other
// This is an abstraction over the websocket connections used by the room server and client, primarily to allow mocks for testing purposes
type MessageConnection interface {
	// Reads a message, blocking
	ReadMessage() ([]byte, error)
	// Sends a message. Not safe to call concurrently with itself
	WriteMessage(data []byte) error
	// Sends a close frame with the given code and reason, then closes the connection
	CloseWithMessage(code int, msg string) error
	// Closes the underlying socket
	Close() error
	// Determine if the connection has been closed or not
	IsClosed() bool
	// Address of the remote peer, used for logging
	RemoteAddr() net.Addr
}

// Websocket implementation of MessageConnection. Messages are sent as text frames carrying JSON envelopes.
type WebsocketMessageConnection struct {
	socket *websocket.Conn
	closed bool

	isClosedMutex *sync.RWMutex
}

// NewWebsocketMessageConnection wraps an established websocket connection
func NewWebsocketMessageConnection(socket *websocket.Conn) *WebsocketMessageConnection {
	return &WebsocketMessageConnection{
		socket:        socket,
		isClosedMutex: new(sync.RWMutex),
	}
}

func (connection *WebsocketMessageConnection) ReadMessage() ([]byte, error) {
	_, data, err := connection.socket.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			connection.isClosedMutex.Lock()
			if !connection.closed {
				connection.closed = true
				_ = connection.socket.Close()
			}
			connection.isClosedMutex.Unlock()
		}
	}
	return data, err
}

func (connection *WebsocketMessageConnection) WriteMessage(data []byte) error {
	return connection.socket.WriteMessage(websocket.TextMessage, data)
}

func (connection *WebsocketMessageConnection) CloseWithMessage(code int, msg string) error {
	// WriteControl may run concurrently with WriteMessage, unlike a CloseMessage data write
	err := connection.socket.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, msg), time.Now().Add(ControlWriteWait))
	closeErr := connection.Close()
	if err != nil {
		return err
	}
	return closeErr
}

func (connection *WebsocketMessageConnection) Close() error {
	connection.isClosedMutex.Lock()
	defer connection.isClosedMutex.Unlock()

	if !connection.closed {
		connection.closed = true
		return connection.socket.Close()
	} else {
		return ErrConnectionClosed
	}
}

func (connection *WebsocketMessageConnection) IsClosed() bool {
	connection.isClosedMutex.RLock()
	defer connection.isClosedMutex.RUnlock()

	return connection.closed
}

func (connection *WebsocketMessageConnection) RemoteAddr() net.Addr {
	return connection.socket.RemoteAddr()
}

// Represents a source for creating MessageConnections to remote addresses
type MessageConnectionProvider interface {
	// Creates and returns a new MessageConnection that is connected to the specified address
	DialForConnection(address string) (MessageConnection, error)
}

// Implements MessageConnectionProvider by dialing websocket connections
type RoomConnectionProvider struct {
	Dialer *websocket.Dialer
}

func (provider *RoomConnectionProvider) DialForConnection(address string) (MessageConnection, error) {
	dialer := provider.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	webConn, resp, err := dialer.Dial(address, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: status %d", err, resp.StatusCode)
		}
		return nil, err
	} else {
		return NewWebsocketMessageConnection(webConn), nil
	}
}
