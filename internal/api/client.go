package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/banshee-data/optobench/internal/httputil"
	"github.com/banshee-data/optobench/internal/sweep"
)

// Client drives a remote bench through its HTTP API.
type Client struct {
	BaseURL string
	HTTP    httputil.HTTPClient
}

// NewClient returns a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return httputil.DecodeJSONResponse(resp, out)
}

// StartSweep asks the server to start a sweep with p.
func (c *Client) StartSweep(ctx context.Context, p sweep.Params) (sweep.RunnerState, error) {
	var st sweep.RunnerState
	err := c.do(ctx, http.MethodPost, "/api/sweep", NewSweepRequest(p), &st)
	return st, err
}

// SweepState returns the state of the current or last sweep.
func (c *Client) SweepState(ctx context.Context) (sweep.RunnerState, error) {
	var st sweep.RunnerState
	err := c.do(ctx, http.MethodGet, "/api/sweep", nil, &st)
	return st, err
}

// StopSweep asks the server to abort the running sweep.
func (c *Client) StopSweep(ctx context.Context) (sweep.RunnerState, error) {
	var st sweep.RunnerState
	err := c.do(ctx, http.MethodDelete, "/api/sweep", nil, &st)
	return st, err
}

// WaitSweep polls until the sweep is no longer running and returns its
// final state. progress, if non-nil, is called after every poll.
func (c *Client) WaitSweep(ctx context.Context, poll time.Duration, progress func(sweep.RunnerState)) (sweep.RunnerState, error) {
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		st, err := c.SweepState(ctx)
		if err != nil {
			return st, err
		}
		if progress != nil {
			progress(st)
		}
		if st.Status != sweep.RunnerRunning {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-t.C:
		}
	}
}

// Measurements returns the stored records of run id.
func (c *Client) Measurements(ctx context.Context, id string) ([]sweep.Record, error) {
	var recs []sweep.Record
	err := c.do(ctx, http.MethodGet, "/api/runs/"+id+"/measurements", nil, &recs)
	return recs, err
}
