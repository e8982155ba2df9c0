package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejzeis/minigame-rooms/client"
	"github.com/alejzeis/minigame-rooms/common"
	"github.com/alejzeis/minigame-rooms/server"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	log.SetLevel(log.DebugLevel)

	if len(os.Args) > 1 && os.Args[1] == "-server" {
		log.WithFields(log.Fields{
			"software": common.SoftwareName,
			"version":  common.SoftwareVersion,
			"mode":     "server",
		}).Info("Starting...")

		environment, err := server.ParseEnvironment()
		if err != nil {
			log.WithError(err).Error("Failed to read environment.")
			panic(err)
		}

		file := loadConfig(environment.ConfigPath)
		config, err := server.LoadConfig(file, environment)
		if err != nil {
			log.WithField("config", environment.ConfigPath).WithError(err).Error("Invalid configuration file.")
			panic(err)
		}
		log.SetLevel(config.LogLevel)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		schedule := server.NewIniSchedule(file, config.Rooms)
		if err := server.StartControlServer(ctx, config, schedule); err != nil {
			log.WithError(err).Error("Server stopped with error")
			os.Exit(1)
		}
	} else {
		log.WithFields(log.Fields{
			"software": common.SoftwareName,
			"version":  common.SoftwareVersion,
			"mode":     "client",
		}).Info("Starting...")

		client.RunClient(os.Stdin, os.Stdout)
	}
}

func loadConfig(configLocation string) *ini.File {
	file, err := ini.LooseLoad(configLocation)
	if err != nil {
		log.WithField("config", configLocation).WithError(err).Error("Failed to load configuration file.")
		panic(err)
	}

	return file
}
