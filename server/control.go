package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	shutdownTimeout = 10 * time.Second
	registryTimeout = 5 * time.Second
	registryBacklog = 256
)

// OpenRegistry builds the Registry selected by config. The returned func releases it.
func OpenRegistry(ctx context.Context, config RegistryConfig) (Registry, func() error, error) {
	switch config.Backend {
	case RegistryBackendRedis:
		registry, err := DialRedisRegistry(ctx, config.RedisAddr, config.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return registry, registry.Close, nil
	case RegistryBackendMemory, "":
		return NewMemoryRegistry(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown registry backend %q", config.Backend)
	}
}

// StartControlServer serves the REST API and rooms until ctx is cancelled, then shuts everything down.
// Called by the main function.
func StartControlServer(ctx context.Context, config *Config, schedule ScheduleSource) error {
	log.Info("Starting REST API HTTP Server...")

	registry, closeRegistry, err := OpenRegistry(ctx, config.Registry)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeRegistry(); err != nil {
			log.WithError(err).Warn("Failed to close registry")
		}
	}()

	matchmaker := NewMatchmaker(registry, config.Registry.TTL, config.Registry.StaleAfter)
	observer := NewMatchmakerObserver(matchmaker, registryBacklog, registryTimeout)
	defer observer.Close()

	settings := ScheduledSettings{Schedule: schedule, Defaults: config.Rooms}
	rooms := NewNamespace(RoomOptions{
		Settings:     settings,
		Observer:     observer,
		QueueSize:    config.QueueSize,
		SendBuffer:   config.SendBuffer,
		SuspendAfter: config.SuspendAfter,
	})

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(config.Port),
		Handler: NewServer(matchmaker, rooms, schedule, settings).Router(),
	}

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- httpServer.ListenAndServe()
	}()

	log.WithFields(log.Fields{
		"port":     config.Port,
		"registry": config.Registry.Backend,
	}).Info("Listening")

	select {
	case err := <-listenErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).WithField("port", config.Port).Error("Failed to start listening")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by the HTTP server, the namespace closes those
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	if err := rooms.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Rooms did not shut down in time")
	}
	return nil
}
