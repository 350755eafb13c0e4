package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/optobench/internal/sweep"
)

// readEvent scans the stream for the next event named name and returns
// its data line.
func readEvent(t *testing.T, r *bufio.Reader, name string) string {
	t.Helper()
	type result struct {
		data string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		current := ""
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				done <- result{err: err}
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				current = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: ") && current == name:
				done <- result{data: strings.TrimPrefix(line, "data: ")}
				return
			case line == "":
				current = ""
			}
		}
	}()
	select {
	case res := <-done:
		require.NoError(t, res.err)
		return res.data
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s event", name)
		return ""
	}
}

func TestEventStream(t *testing.T) {
	b := newTestBench(t)
	ts := httptest.NewServer(b.srv.Handler())
	defer ts.Close()

	assert.False(t, b.srv.Events().Listening())

	resp, err := http.Get(ts.URL + SweepChannel)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	assert.Eventually(t, b.srv.Events().Listening, 5*time.Second, 10*time.Millisecond)
	body := bufio.NewReader(resp.Body)

	go b.srv.Events().StateChanged(&sweep.Run{ID: "run-1", State: sweep.StateStepping, TotalSteps: 5, Records: make([]sweep.Record, 2)})
	data := readEvent(t, body, EventState)
	assert.JSONEq(t, `{"run_id":"run-1","state":"stepping","completed_steps":2,"total_steps":5}`, data)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	points := make(chan sweep.Record, 1)
	points <- sweep.Record{Timestamp: "2025-03-14T09:26:53Z", CurrentMA: 10, Power: "-3.010", Module: 1}
	go b.srv.Events().Forward(ctx, points)

	data = readEvent(t, body, EventPoint)
	assert.JSONEq(t, `{"timestamp":"2025-03-14T09:26:53Z","current_mA":10,"power":"-3.010","module":1}`, data)
}

func TestEventStreamForwardStops(t *testing.T) {
	e := NewEventStream()
	defer e.Close()

	ch := make(chan sweep.Record)
	done := make(chan struct{})
	go func() {
		e.Forward(context.Background(), ch)
		close(done)
	}()
	close(ch)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Forward did not return after the channel closed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Forward(ctx, make(chan sweep.Record))
}

func TestEventStreamPublishWhileSubscribing(t *testing.T) {
	e := NewEventStream()
	ts := httptest.NewServer(e)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+SweepChannel, nil)
			if !assert.NoError(t, err) {
				return
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			r := bufio.NewReader(resp.Body)
			for {
				if _, err := r.ReadString('\n'); err != nil {
					return
				}
			}
		}()
	}

	run := &sweep.Run{ID: "run-1", State: sweep.StateStepping, TotalSteps: 2000}
	for i := 0; i < 2000; i++ {
		e.StateChanged(run)
		if i%100 == 0 {
			e.Listening()
		}
	}

	cancel()
	e.Close()
	e.Close()
	wg.Wait()

	// Publishing after close is a no-op.
	e.StateChanged(run)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, SweepChannel, nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
