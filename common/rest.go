package common

// SoftwareName is the name of this software
const SoftwareName = "minigame-rooms"

// SoftwareVersion is the version of this software
const SoftwareVersion = "v1.0.0-alpha"

// APIVersion is the version of the REST API served by the room server
const APIVersion uint = 1

// InfoResponse is the JSON response to the /info REST method
type InfoResponse struct {
	Software string `json:"software"`
	Version  string `json:"version"`
	API      uint   `json:"apiVersion"`
}

// HealthResponse is the JSON response to the /health REST method
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ErrorResponse is the JSON body returned alongside non-2xx REST responses
type ErrorResponse struct {
	Error string `json:"error"`
}

// MatchResponse is the JSON response to the /api/rooms/{gameId}/match REST method.
// Path is the upgrade endpoint (including query) the player should open next.
type MatchResponse struct {
	RoomID string `json:"roomId"`
	GameID string `json:"gameId"`
	Path   string `json:"path"`
}

// Manifest describes the game scheduled for one date
type Manifest struct {
	GameID        string `json:"game_id"`
	Name          string `json:"name"`
	BundleURL     string `json:"bundle_url"`
	MaxPlayers    int    `json:"max_players"`
	MaxDurationMs int64  `json:"max_duration_ms"`
	Date          string `json:"date"`
}
