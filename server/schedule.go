package server

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/alejzeis/minigame-rooms/common"
	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// DateLayout is the layout of schedule dates, always in UTC
const DateLayout = "2006-01-02"

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ValidDate reports whether date looks like YYYY-MM-DD
func ValidDate(date string) bool {
	return datePattern.MatchString(date)
}

// ScheduleSource supplies the game manifest scheduled for a date
type ScheduleSource interface {
	ManifestFor(date string) (common.Manifest, bool)
}

// IniSchedule reads manifests from [schedule.YYYY-MM-DD] sections of server.ini:
//
//	[schedule.2026-10-15]
//	game_id      = tap-race
//	name         = Tap Race
//	bundle_url   = https://cdn.example.com/games/tap-race/bundle.zip
//	max_players  = 4
//	max_duration = 3m
type IniSchedule struct {
	mutex     sync.RWMutex
	manifests map[string]common.Manifest
}

// NewIniSchedule loads every schedule section of file. Sections with a malformed date or no game_id are skipped.
func NewIniSchedule(file *ini.File, defaults RoomSettings) *IniSchedule {
	schedule := &IniSchedule{manifests: make(map[string]common.Manifest)}

	for _, section := range file.Section("schedule").ChildSections() {
		date := strings.TrimPrefix(section.Name(), "schedule.")
		gameID := section.Key("game_id").String()
		if !ValidDate(date) || gameID == "" {
			log.WithField("section", section.Name()).Warn("Ignoring malformed schedule section")
			continue
		}

		schedule.manifests[date] = common.Manifest{
			GameID:        gameID,
			Name:          section.Key("name").MustString(gameID),
			BundleURL:     section.Key("bundle_url").String(),
			MaxPlayers:    section.Key("max_players").MustInt(defaults.MaxPlayers),
			MaxDurationMs: section.Key("max_duration").MustDuration(defaults.MaxDuration).Milliseconds(),
			Date:          date,
		}
	}

	log.WithField("days", len(schedule.manifests)).Debug("Loaded game schedule")
	return schedule
}

// Set replaces the manifest for one date
func (schedule *IniSchedule) Set(manifest common.Manifest) {
	schedule.mutex.Lock()
	defer schedule.mutex.Unlock()

	schedule.manifests[manifest.Date] = manifest
}

func (schedule *IniSchedule) ManifestFor(date string) (common.Manifest, bool) {
	schedule.mutex.RLock()
	defer schedule.mutex.RUnlock()

	manifest, exists := schedule.manifests[date]
	return manifest, exists
}

// ScheduledSettings resolves the settings a new room should use: today's manifest when it schedules
// the room's game, the configured defaults otherwise
type ScheduledSettings struct {
	Schedule ScheduleSource
	Defaults RoomSettings
	Now      func() time.Time
}

// For returns the room settings for gameID
func (settings ScheduledSettings) For(gameID string) RoomSettings {
	resolved := settings.Defaults
	if settings.Schedule == nil {
		return resolved
	}

	now := time.Now
	if settings.Now != nil {
		now = settings.Now
	}

	manifest, exists := settings.Schedule.ManifestFor(now().UTC().Format(DateLayout))
	if !exists || manifest.GameID != gameID {
		return resolved
	}
	if manifest.MaxPlayers > 0 {
		resolved.MaxPlayers = manifest.MaxPlayers
	}
	if manifest.MaxDurationMs > 0 {
		resolved.MaxDuration = time.Duration(manifest.MaxDurationMs) * time.Millisecond
	}
	return resolved
}
