package watch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/crossbard/internal/api"
	"github.com/mattjoyce/crossbard/internal/events"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg api.HealthzResponse

type producersMsg []api.ProducerSummary

type refreshMsg struct {
	id  string
	err error
}

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// client talks to the daemon API.
type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newClient(baseURL, apiKey string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *client) request(method, path string) (*http.Request, error) {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *client) getJSON(path string, v any) error {
	req, err := c.request(http.MethodGet, path)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func responseError(resp *http.Response) error {
	var body api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, body.Error)
	}
	return fmt.Errorf("%s", resp.Status)
}

// --- Commands ---

// fetchHealth queries /healthz.
func (c *client) fetchHealth() tea.Msg {
	var h api.HealthzResponse
	if err := c.getJSON("/healthz", &h); err != nil {
		return errMsg(err)
	}
	return healthMsg(h)
}

// fetchProducers queries /v1/producers.
func (c *client) fetchProducers() tea.Msg {
	var list []api.ProducerSummary
	if err := c.getJSON("/v1/producers", &list); err != nil {
		return errMsg(err)
	}
	return producersMsg(list)
}

// refresh asks the daemon to run a producer now.
func (c *client) refresh(id string) tea.Cmd {
	return func() tea.Msg {
		req, err := c.request(http.MethodPost, "/v1/producers/"+url.PathEscape(id)+"/refresh")
		if err != nil {
			return refreshMsg{id: id, err: err}
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return refreshMsg{id: id, err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			return refreshMsg{id: id, err: responseError(resp)}
		}
		return refreshMsg{id: id}
	}
}

// subscribeToEvents connects to /v1/events and feeds events into ch. It
// returns sseDisconnectedMsg when the stream ends.
func (c *client) subscribeToEvents(ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := c.request(http.MethodGet, "/v1/events")
		if err != nil {
			return errMsg(err)
		}
		// The stream is long-lived; no client timeout.
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(responseError(resp))
		}
		readSSE(bufio.NewScanner(resp.Body), ch)
		return sseDisconnectedMsg{}
	}
}

// readSSE decodes server-sent events until the scanner ends.
func readSSE(scanner *bufio.Scanner, ch chan<- events.Event) {
	var current events.Event
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data != "" {
				current.At = time.Now()
				current.Data = json.RawMessage(data)
				ch <- current
			}
			current, data = events.Event{}, ""
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			data = line[6:]
		}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}
