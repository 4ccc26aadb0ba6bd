package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	apiHost, proto string
	timeout        int
	pollInterval   int
	cancel         bool
)

func init() {
	flag.StringVar(&apiHost, "host", "localhost:3000", "host of the bcda-export API")
	flag.StringVar(&proto, "proto", "http", "protocol to use")
	flag.IntVar(&timeout, "timeout", 300, "amount of time to wait for the workflow to finish.")
	flag.IntVar(&pollInterval, "interval", 5, "seconds between status checks")
	flag.BoolVar(&cancel, "cancel", false, "cancel the workflow right after starting it and expect 410 Gone")
}

type startResponse struct {
	ID                string `json:"id"`
	StatusQueryGetURI string `json:"statusQueryGetUri"`
}

type statusResponse struct {
	ID           string   `json:"id"`
	State        string   `json:"state"`
	Result       []string `json:"result"`
	ErrorKind    string   `json:"errorKind"`
	ErrorMessage string   `json:"errorMessage"`
	FetchErrors  []string `json:"fetchErrors"`
}

func main() {
	flag.Parse()
	log.SetReportCaller(true)

	c := &http.Client{Timeout: 10 * time.Second}

	started, err := startExport(c)
	if err != nil {
		log.Errorf("Failed to start export workflow %s", err.Error())
		os.Exit(1)
	}
	log.Infof("Started export workflow %s", started.ID)

	if cancel {
		if err := cancelExport(c, started.StatusQueryGetURI); err != nil {
			log.Errorf("Failed to cancel export workflow %s", err.Error())
			os.Exit(1)
		}
	}

	status, code, err := waitForWorkflow(c, started.StatusQueryGetURI, time.Duration(timeout)*time.Second)
	if err != nil {
		log.Errorf("Failed to get workflow status %s", err.Error())
		os.Exit(1)
	}

	if cancel {
		if code != http.StatusGone {
			log.Errorf("Expected cancelled workflow, got %d state %s", code, status.State)
			os.Exit(1)
		}
		log.Infof("Workflow %s cancelled", status.ID)
		return
	}

	if code != http.StatusOK {
		log.Errorf("Workflow %s finished in %s with %s: %s", status.ID, status.State, status.ErrorKind, status.ErrorMessage)
		os.Exit(1)
	}

	if err := validateResult(status.Result); err != nil {
		log.Errorf("Failed to validate workflow result %s", err.Error())
		os.Exit(1)
	}
	for _, e := range status.FetchErrors {
		log.Warnf("Output file could not be fetched: %s", e)
	}
	log.Infof("Workflow %s completed with %d result entries", status.ID, len(status.Result))
}

func startExport(c *http.Client) (startResponse, error) {
	url := fmt.Sprintf("%s://%s/api/v1/exports", proto, apiHost)
	resp, err := c.Post(url, "application/json", nil)
	if err != nil {
		return startResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return startResponse{}, err
	}
	if resp.StatusCode != http.StatusAccepted {
		return startResponse{}, fmt.Errorf("request %s has unexpected response code received %d, body '%s'",
			url, resp.StatusCode, body)
	}

	var started startResponse
	if err := json.Unmarshal(body, &started); err != nil {
		return startResponse{}, fmt.Errorf("failed to parse '%s' %s", body, err.Error())
	}
	if started.StatusQueryGetURI != resp.Header.Get("Content-Location") {
		return startResponse{}, fmt.Errorf("status handle %s does not match Content-Location %s",
			started.StatusQueryGetURI, resp.Header.Get("Content-Location"))
	}
	return started, nil
}

func cancelExport(c *http.Client, statusURL string) error {
	req, err := http.NewRequest(http.MethodDelete, statusURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("request %s has unexpected response code received %d", statusURL, resp.StatusCode)
	}
	return nil
}

// waitForWorkflow polls the status handle until the workflow leaves its
// running states.
func waitForWorkflow(c *http.Client, statusURL string, timeout time.Duration) (statusResponse, int, error) {
	expire := time.After(timeout)
	for {
		select {
		case <-expire:
			return statusResponse{}, 0, fmt.Errorf("failed to get response in %s", timeout.String())
		default:
		}

		resp, err := c.Get(statusURL)
		if err != nil {
			return statusResponse{}, 0, err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return statusResponse{}, 0, err
		}

		switch resp.StatusCode {
		case http.StatusAccepted:
			log.Infof("Workflow has not completed %s", resp.Header.Get("X-Progress"))
			<-time.After(time.Duration(pollInterval) * time.Second)
			continue
		case http.StatusOK, http.StatusInternalServerError, http.StatusGone:
			var status statusResponse
			if err := json.Unmarshal(body, &status); err != nil {
				return statusResponse{}, 0, fmt.Errorf("failed to parse '%s' %s", body, err.Error())
			}
			return status, resp.StatusCode, nil
		default:
			return statusResponse{}, 0, fmt.Errorf("request %s has unexpected response code received %d, body '%s'",
				statusURL, resp.StatusCode, body)
		}
	}
}

// validateResult checks the token, job location and marker prefix of the
// result and that every trailing body is NDJSON.
func validateResult(result []string) error {
	if len(result) < 2 {
		return fmt.Errorf("result has %d entries, expected at least a token and a job location", len(result))
	}
	if !strings.HasPrefix(result[1], "http") {
		return fmt.Errorf("job location %q is not a URL", result[1])
	}

	var markers int
	for _, entry := range result[2:] {
		if fields := strings.Fields(entry); len(fields) == 2 && strings.HasPrefix(fields[1], "http") {
			markers++
			continue
		}
		if !isValidNDJSONText(entry) {
			return errors.New("data is not valid NDJSON format")
		}
	}
	if markers == 0 {
		return errors.New("result does not list any output files")
	}
	return nil
}

func isValidNDJSONText(data string) bool {
	// blank file is not valid
	if len(data) == 0 {
		return false
	}

	for _, line := range bytes.Split([]byte(data), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			log.Info(string(line))
			return false
		}
	}
	return true
}
