package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/abogen/internal/events"
	"github.com/loqalabs/abogen/internal/job"
	"github.com/loqalabs/abogen/internal/protocol"
)

// apiClient talks to a running abogend over HTTP.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(server string) (*apiClient, error) {
	server = strings.TrimRight(strings.TrimSpace(server), "/")
	u, err := url.Parse(server)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", server)
	}
	return &apiClient{base: server, http: &http.Client{Timeout: 30 * time.Second}}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var envelope struct {
			Error *protocol.ErrorBody `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error != nil {
			return envelope.Error
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) Submit(ctx context.Context, req job.Request) (string, error) {
	var reply protocol.SubmitReply
	if err := c.do(ctx, http.MethodPost, "/api/jobs", req, &reply); err != nil {
		return "", err
	}
	return reply.JobID, nil
}

func (c *apiClient) Status(ctx context.Context, id string) (job.Info, error) {
	var reply protocol.StatusReply
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &reply); err != nil {
		return job.Info{}, err
	}
	if reply.Job == nil {
		return job.Info{}, errors.New("empty status reply")
	}
	return *reply.Job, nil
}

func (c *apiClient) List(ctx context.Context, status string) ([]job.Info, error) {
	path := "/api/jobs"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var reply protocol.ListReply
	if err := c.do(ctx, http.MethodGet, path, nil, &reply); err != nil {
		return nil, err
	}
	return reply.Jobs, nil
}

func (c *apiClient) Cancel(ctx context.Context, id string) (job.Info, error) {
	var reply protocol.StatusReply
	if err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/cancel", nil, &reply); err != nil {
		return job.Info{}, err
	}
	if reply.Job == nil {
		return job.Info{}, errors.New("empty cancel reply")
	}
	return *reply.Job, nil
}

func (c *apiClient) Engines(ctx context.Context) ([]protocol.EngineEntry, error) {
	var reply struct {
		Engines []protocol.EngineEntry `json:"engines"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/engines", nil, &reply); err != nil {
		return nil, err
	}
	return reply.Engines, nil
}

func (c *apiClient) Voices(ctx context.Context, name string) (protocol.VoicesReply, error) {
	var reply protocol.VoicesReply
	err := c.do(ctx, http.MethodGet, "/api/engines/"+url.PathEscape(name)+"/voices", nil, &reply)
	return reply, err
}

// Follow streams events of id starting at from until the terminal event,
// calling fn for each one. It returns the terminal payload.
func (c *apiClient) Follow(ctx context.Context, id string, from uint64, fn func(events.Event)) (events.Terminal, error) {
	wsURL := "ws" + strings.TrimPrefix(c.base, "http") + "/api/jobs/" + url.PathEscape(id) + "/events"
	if from > 0 {
		wsURL += fmt.Sprintf("?from=%d", from)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return events.Terminal{}, &protocol.ErrorBody{Code: protocol.CodeNotFound, Message: "job " + id + " not found"}
		}
		return events.Terminal{}, fmt.Errorf("open event stream: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var evt events.Event
		if err := conn.ReadJSON(&evt); err != nil {
			if ctx.Err() != nil {
				return events.Terminal{}, ctx.Err()
			}
			return events.Terminal{}, fmt.Errorf("event stream ended before terminal event: %w", err)
		}
		fn(evt)
		if t, ok := evt.Payload.(events.Terminal); ok {
			return t, nil
		}
	}
}
