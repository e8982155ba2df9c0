package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/alejzeis/minigame-rooms/common"

	log "github.com/sirupsen/logrus"
)

const usage = `Commands:
  match [server URL] [game id] [player id]   find a room and join it
  ready                                      mark yourself ready
  ping                                       ask the room for a pong
  move [json]                                send a move to the other players
  send [type] [json]                         send a custom message
  leave                                      leave the current room
  schedule [server URL] (date)               show the scheduled game
  info [server URL]                          show the server version
  quit                                       exit`

// console runs client commands and prints room events. Events arrive from the session reader
// concurrently with commands, so writes to out are serialized.
type console struct {
	outMutex sync.Mutex
	out      io.Writer

	provider common.MessageConnectionProvider
	session  *roomSession
}

func newConsole(out io.Writer, provider common.MessageConnectionProvider) *console {
	return &console{
		out:      out,
		provider: provider,
	}
}

// RunClient is the main method for running the client code
func RunClient(in io.Reader, out io.Writer) {
	log.Info("Client ready for commands.")
	c := newConsole(out, &common.RoomConnectionProvider{})
	defer c.leave()

	scanner := bufio.NewScanner(in)
	for {
		c.printf("> ")
		if !scanner.Scan() {
			return
		}
		if !c.execute(scanner.Text()) {
			return
		}
	}
}

func (c *console) printf(format string, args ...interface{}) {
	c.outMutex.Lock()
	defer c.outMutex.Unlock()

	fmt.Fprintf(c.out, format, args...)
}

// execute runs one command line. Returns false once the client should exit.
func (c *console) execute(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}

	// Trailing JSON arguments may contain spaces, so they are cut from the raw line
	rest := func(n int) string {
		remaining := strings.TrimSpace(line)
		for i := 0; i < n; i++ {
			remaining = strings.TrimSpace(strings.TrimPrefix(remaining, fields[i]))
		}
		return remaining
	}

	switch fields[0] {
	case "match":
		if len(fields) != 4 {
			c.printf("Usage: \"match [server URL] [game id] [player id]\"\n")
			return true
		}
		c.match(fields[1], fields[2], fields[3])
	case "ready":
		c.send(common.MessageReady, nil)
	case "ping":
		c.send(common.MessagePing, nil)
	case "move":
		if len(fields) < 2 {
			c.printf("Usage: \"move [json]\"\n")
			return true
		}
		c.send(common.MessageMove, json.RawMessage(rest(1)))
	case "send":
		if len(fields) < 2 {
			c.printf("Usage: \"send [type] [json]\"\n")
			return true
		}
		c.send(fields[1], json.RawMessage(rest(2)))
	case "leave":
		c.leave()
	case "schedule":
		if len(fields) < 2 {
			c.printf("Usage: \"schedule [server URL] (date)\"\n")
			return true
		}
		date := ""
		if len(fields) > 2 {
			date = fields[2]
		}
		c.schedule(fields[1], date)
	case "info":
		if len(fields) != 2 {
			c.printf("Usage: \"info [server URL]\"\n")
			return true
		}
		c.info(fields[1])
	case "quit", "exit":
		return false
	case "help":
		c.printf("%s\n", usage)
	default:
		c.printf("Unknown command %q, try \"help\"\n", fields[0])
	}
	return true
}

func (c *console) match(serverURL, gameID, playerID string) {
	c.leave()

	rest := createRestClient(serverURL)
	match, err := rest.match(gameID, playerID)
	if err != nil {
		c.printf("Matchmaking failed: %v\n", err)
		return
	}
	c.printf("Matched into room %s\n", match.RoomID)

	session, err := openRoomSession(c.provider, serverURL, match, playerID, c.printEvent)
	if err != nil {
		c.printf("Failed to join room %s: %v\n", match.RoomID, err)
		return
	}
	c.session = session
}

func (c *console) send(msgType string, payload json.RawMessage) {
	if c.session == nil {
		c.printf("Not in a room, use \"match\" first\n")
		return
	}
	if err := c.session.send(msgType, payload); err != nil {
		c.printf("Failed to send %s: %v\n", msgType, err)
	}
}

func (c *console) leave() {
	if c.session == nil {
		return
	}
	c.session.close()
	c.printf("Left room %s\n", c.session.roomID)
	c.session = nil
}

func (c *console) schedule(serverURL, date string) {
	manifest, err := createRestClient(serverURL).schedule(date)
	if err != nil {
		c.printf("No schedule: %v\n", err)
		return
	}
	c.printf("%s: %s (%s) up to %d players, %d ms\n", manifest.Date, manifest.Name, manifest.GameID, manifest.MaxPlayers, manifest.MaxDurationMs)
	if manifest.BundleURL != "" {
		c.printf("  bundle: %s\n", manifest.BundleURL)
	}
}

func (c *console) info(serverURL string) {
	info, err := createRestClient(serverURL).info()
	if err != nil {
		c.printf("Failed to get server info: %v\n", err)
		return
	}
	c.printf("%s %s (API %d)\n", info.Software, info.Version, info.API)
}

func (c *console) printEvent(envelope common.Envelope) {
	payload := string(envelope.Payload)
	if payload == "" {
		payload = "null"
	}
	c.printf("[%s] %s: %s\n", envelope.Type, envelope.PlayerID, payload)
}
