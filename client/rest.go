package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/alejzeis/minigame-rooms/common"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
)

type restClient struct {
	rest      *resty.Client
	serverURL string

	serverInfo common.InfoResponse
}

func createRestClient(serverURL string) *restClient {
	client := new(restClient)
	client.serverURL = strings.TrimSuffix(serverURL, "/")
	client.rest = resty.New()
	return client
}

// responseError turns a non-2xx response into an error, using the server's error body when there is one
func responseError(url string, response *resty.Response) error {
	var body common.ErrorResponse
	if err := json.Unmarshal(response.Body(), &body); err == nil && body.Error != "" {
		return fmt.Errorf("%s: %d %s", url, response.StatusCode(), body.Error)
	}
	return fmt.Errorf("%s: status %d", url, response.StatusCode())
}

// Retrieves the server software and API versions
func (r *restClient) info() (common.InfoResponse, error) {
	url := r.serverURL + "/info"
	response, err := r.rest.R().Get(url)
	if err != nil {
		log.WithField("url", url).WithError(err).Warn("Failed to retrieve server info.")
		return common.InfoResponse{}, err
	} else if response.StatusCode() != http.StatusOK {
		return common.InfoResponse{}, responseError(url, response)
	}

	if err := json.Unmarshal(response.Body(), &r.serverInfo); err != nil {
		log.WithFields(log.Fields{
			"url":  url,
			"body": response.String(),
		}).WithError(err).Error("Failed to decode JSON response while retrieving server info.")
		return common.InfoResponse{}, err
	}
	return r.serverInfo, nil
}

// Asks the server's matchmaker for a room of gameID
func (r *restClient) match(gameID, playerID string) (common.MatchResponse, error) {
	url := r.serverURL + "/api/rooms/" + gameID + "/match"
	response, err := r.rest.R().
		SetQueryParam("player_id", playerID).
		Post(url)
	if err != nil {
		log.WithFields(log.Fields{
			"url":    url,
			"player": playerID,
		}).WithError(err).Error("Failed to reach matchmaker")
		return common.MatchResponse{}, err
	} else if response.StatusCode() != http.StatusOK {
		log.WithFields(log.Fields{
			"url":    url,
			"status": response.StatusCode(),
			"body":   response.String(),
		}).Error("Matchmaking failed")
		return common.MatchResponse{}, responseError(url, response)
	}

	var match common.MatchResponse
	if err := json.Unmarshal(response.Body(), &match); err != nil {
		log.WithFields(log.Fields{
			"url":  url,
			"body": response.String(),
		}).WithError(err).Error("Failed to decode JSON response while matchmaking.")
		return common.MatchResponse{}, err
	}
	return match, nil
}

// Retrieves the manifest scheduled for date, or for today when date is empty
func (r *restClient) schedule(date string) (common.Manifest, error) {
	url := r.serverURL + "/api/schedule"
	if date != "" {
		url += "/" + date
	}

	response, err := r.rest.R().Get(url)
	if err != nil {
		log.WithField("url", url).WithError(err).Warn("Failed to retrieve schedule.")
		return common.Manifest{}, err
	} else if response.StatusCode() != http.StatusOK {
		return common.Manifest{}, responseError(url, response)
	}

	var manifest common.Manifest
	if err := json.Unmarshal(response.Body(), &manifest); err != nil {
		return common.Manifest{}, err
	}
	return manifest, nil
}
