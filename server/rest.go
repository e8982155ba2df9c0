package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/alejzeis/minigame-rooms/common"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Largest inbound websocket message accepted from a player
const maxMessageSize = 64 * 1024

// Server serves the REST API and the room upgrade endpoints
type Server struct {
	matchmaker *Matchmaker
	rooms      *Namespace
	schedule   ScheduleSource
	settings   SettingsSource
	upgrader   websocket.Upgrader
	now        func() time.Time

	infoResponseJSON []byte // Cached bytes of the JSON for the /info response
}

// NewServer wires the REST handlers to the matchmaker and the room namespace
func NewServer(matchmaker *Matchmaker, rooms *Namespace, schedule ScheduleSource, settings SettingsSource) *Server {
	infoResponseJSON, _ := json.Marshal(common.InfoResponse{
		Software: common.SoftwareName,
		Version:  common.SoftwareVersion,
		API:      common.APIVersion,
	})

	return &Server{
		matchmaker: matchmaker,
		rooms:      rooms,
		schedule:   schedule,
		settings:   settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   2048,
			WriteBufferSize:  2048,
			HandshakeTimeout: 10 * time.Second,
			// Games are served from app bundles with no fixed origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now:              time.Now,
		infoResponseJSON: infoResponseJSON,
	}
}

// Router builds the mux router for every REST method
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter().StrictSlash(true)
	router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/api/schedule", s.handleSchedule).Methods(http.MethodGet)
	router.HandleFunc("/api/schedule/{date}", s.handleSchedule).Methods(http.MethodGet)
	router.HandleFunc("/api/rooms/{gameId}/match", s.handleMatch).Methods(http.MethodGet, http.MethodPost, http.MethodOptions)
	router.HandleFunc("/api/rooms/{gameId}/connect", s.handleConnect).Methods(http.MethodGet)
	router.HandleFunc("/api/room/{roomId}", s.handleRoomSnapshot).Methods(http.MethodGet)
	router.HandleFunc("/ws/{roomId}", s.handleRoomSocket).Methods(http.MethodGet)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})

	router.Use(mux.CORSMethodMiddleware(router), corsMiddleware)
	return router
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		log.WithError(err).Error("Failed to encode response json")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, common.ErrorResponse{Error: message})
}

// Returns server information such as the software version and REST API version
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(s.infoResponseJSON)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, common.HealthResponse{
		Status:    "ok",
		Timestamp: s.now().UTC().Format(time.RFC3339),
	})
}

// Returns the game manifest scheduled for today, or for the date in the path (/api/schedule/[date])
// HTTP Responses:
//   - 400 Bad Request: date is not YYYY-MM-DD
//   - 404 Not Found: No game is scheduled for the date
//   - 200 OK: Returns the common.Manifest (JSON)
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	date, given := mux.Vars(r)["date"]
	if !given {
		date = s.now().UTC().Format(DateLayout)
	} else if !ValidDate(date) {
		writeError(w, http.StatusBadRequest, "Invalid date format. Use YYYY-MM-DD")
		return
	}

	manifest, exists := s.schedule.ManifestFor(date)
	if !exists {
		writeError(w, http.StatusNotFound, "No game scheduled for "+date)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

// Places a player in a room of the game in the path (/api/rooms/[gameId]/match?player_id=[id])
// HTTP Responses:
//   - 400 Bad Request: player_id query parameter is missing
//   - 502 Bad Gateway: The matchmaking registry could not be read or written
//   - 200 OK: Returns common.MatchResponse (JSON) with the upgrade path to open next
func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	roomID, tag, ok := s.matchRequest(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, common.MatchResponse{
		RoomID: roomID,
		GameID: tag.GameID,
		Path:   roomSocketPath(roomID, tag),
	})
}

// Places a player in a room like /match, then upgrades straight into that room
// HTTP Responses: those of /match, then those of /ws/[roomId]
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	roomID, tag, ok := s.matchRequest(w, r)
	if !ok {
		return
	}

	s.acceptIntoRoom(w, r, roomID, tag)
}

// Upgrade endpoint of one room (/ws/[roomId]?player_id=[id]&game_id=[id])
// HTTP Responses:
//   - 400 Bad Request: player_id or game_id is missing
//   - 409 Conflict: The room is full and the player is not already in it
//   - 503 Service Unavailable: The server is shutting down
//   - 101 Switching Protocols: Connected to the room
func (s *Server) handleRoomSocket(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	query := r.URL.Query()
	tag := ConnectionTag{
		PlayerID: query.Get("player_id"),
		GameID:   query.Get("game_id"),
	}
	if tag.PlayerID == "" || tag.GameID == "" {
		writeError(w, http.StatusBadRequest, ErrInvalidRequest.Error())
		return
	}

	s.acceptIntoRoom(w, r, roomID, tag)
}

// Returns the state of a hosted room (/api/room/[roomId])
// HTTP Responses:
//   - 404 Not Found: No room with that id is hosted here
//   - 200 OK: Returns RoomSnapshot (JSON)
func (s *Server) handleRoomSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, exists := s.rooms.Snapshot(mux.Vars(r)["roomId"])
	if !exists {
		writeError(w, http.StatusNotFound, "Room not found")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) matchRequest(w http.ResponseWriter, r *http.Request) (string, ConnectionTag, bool) {
	tag := ConnectionTag{
		PlayerID: r.URL.Query().Get("player_id"),
		GameID:   mux.Vars(r)["gameId"],
	}
	if tag.PlayerID == "" {
		writeError(w, http.StatusBadRequest, "player_id query parameter required")
		return "", tag, false
	}

	maxPlayers := s.settings.For(tag.GameID).MaxPlayers
	roomID, err := s.matchmaker.FindOrCreateRoom(r.Context(), tag.GameID, tag.PlayerID, maxPlayers)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"game":   tag.GameID,
			"player": tag.PlayerID,
		}).Error("Matchmaking failed")
		writeError(w, http.StatusBadGateway, "Matchmaking unavailable")
		return "", tag, false
	}
	return roomID, tag, true
}

func (s *Server) acceptIntoRoom(w http.ResponseWriter, r *http.Request, roomID string, tag ConnectionTag) {
	err := s.rooms.Accept(roomID, tag, func() (common.MessageConnection, error) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return nil, err
		}
		ws.SetReadLimit(maxMessageSize)
		return common.NewWebsocketMessageConnection(ws), nil
	})

	switch {
	case err == nil:
	case errors.Is(err, ErrRoomFull):
		writeError(w, http.StatusConflict, "Room is full")
	case errors.Is(err, ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrRoomUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Room unavailable")
	default:
		// The upgrader has already replied to the client
		log.WithError(err).WithFields(log.Fields{
			"room":    roomID,
			"player":  tag.PlayerID,
			"address": r.RemoteAddr,
		}).Warn("Websocket upgrade failed")
	}
}

func roomSocketPath(roomID string, tag ConnectionTag) string {
	query := url.Values{}
	query.Set("player_id", tag.PlayerID)
	query.Set("game_id", tag.GameID)
	return "/ws/" + url.PathEscape(roomID) + "?" + query.Encode()
}
