package server

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// Defaults applied when server.ini omits a key
const (
	DefaultPort         = 8787
	DefaultMaxPlayers   = 4
	DefaultMaxDuration  = 5 * time.Minute
	DefaultQueueSize    = 64
	DefaultSendBuffer   = 32
	DefaultSuspendAfter = 30 * time.Second
	DefaultRegistryTTL  = time.Hour
	DefaultStaleAfter   = 10 * time.Minute
)

// Registry backends understood by [registry] backend
const (
	RegistryBackendMemory = "memory"
	RegistryBackendRedis  = "redis"
)

// Environment holds the process environment overrides. Values set here win over server.ini.
type Environment struct {
	ConfigPath string `env:"SERVER_CONFIG" envDefault:"server.ini"`
	Port       int    `env:"PORT"`
	RedisAddr  string `env:"REDIS_ADDR"`
	LogLevel   string `env:"LOG_LEVEL"`
}

// ParseEnvironment reads the environment overrides
func ParseEnvironment() (Environment, error) {
	var environment Environment
	if err := env.Parse(&environment); err != nil {
		return Environment{}, fmt.Errorf("parse env: %w", err)
	}
	return environment, nil
}

// RoomSettings are fixed for the life of a room once its game is known
type RoomSettings struct {
	MaxPlayers  int
	MaxDuration time.Duration
}

// RegistryConfig selects and tunes the shared matchmaking registry
type RegistryConfig struct {
	Backend    string
	RedisAddr  string
	RedisDB    int
	TTL        time.Duration
	StaleAfter time.Duration
}

// Config is the room server configuration, loaded from server.ini
type Config struct {
	Port     int
	LogLevel log.Level

	Rooms        RoomSettings
	QueueSize    int
	SendBuffer   int
	SuspendAfter time.Duration

	Registry RegistryConfig
}

// LoadConfig reads the [server], [rooms] and [registry] sections, then applies environment overrides
func LoadConfig(file *ini.File, environment Environment) (*Config, error) {
	serverSection := file.Section("server")
	roomsSection := file.Section("rooms")
	registrySection := file.Section("registry")

	config := &Config{
		Port:     serverSection.Key("port").MustInt(DefaultPort),
		LogLevel: log.InfoLevel,
		Rooms: RoomSettings{
			MaxPlayers:  roomsSection.Key("max_players").MustInt(DefaultMaxPlayers),
			MaxDuration: roomsSection.Key("max_duration").MustDuration(DefaultMaxDuration),
		},
		QueueSize:    roomsSection.Key("queue_size").MustInt(DefaultQueueSize),
		SendBuffer:   roomsSection.Key("send_buffer").MustInt(DefaultSendBuffer),
		SuspendAfter: roomsSection.Key("suspend_after").MustDuration(DefaultSuspendAfter),
		Registry: RegistryConfig{
			Backend:    registrySection.Key("backend").In(RegistryBackendMemory, []string{RegistryBackendMemory, RegistryBackendRedis}),
			RedisAddr:  registrySection.Key("redis_addr").MustString("127.0.0.1:6379"),
			RedisDB:    registrySection.Key("redis_db").MustInt(0),
			TTL:        registrySection.Key("ttl").MustDuration(DefaultRegistryTTL),
			StaleAfter: registrySection.Key("stale_after").MustDuration(DefaultStaleAfter),
		},
	}

	levelName := serverSection.Key("log_level").MustString("info")
	if environment.LogLevel != "" {
		levelName = environment.LogLevel
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}
	config.LogLevel = level

	if environment.Port != 0 {
		config.Port = environment.Port
	}
	if environment.RedisAddr != "" {
		config.Registry.Backend = RegistryBackendRedis
		config.Registry.RedisAddr = environment.RedisAddr
	}

	if config.Port <= 0 || config.Port > 65535 {
		return nil, fmt.Errorf("port %d out of range", config.Port)
	}
	if config.Rooms.MaxPlayers < 2 {
		return nil, fmt.Errorf("rooms max_players must be at least 2, got %d", config.Rooms.MaxPlayers)
	}
	if config.Rooms.MaxDuration <= 0 {
		return nil, fmt.Errorf("rooms max_duration must be positive")
	}
	if config.QueueSize <= 0 || config.SendBuffer <= 0 {
		return nil, fmt.Errorf("rooms queue_size and send_buffer must be positive")
	}

	return config, nil
}
