package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/google/uuid"

	"github.com/banshee-data/optobench/internal/sweep"
)

// Sweep event stream channel and event names.
const (
	SweepChannel = "/events/sweep"
	EventPoint   = "sweep-point"
	EventState   = "sweep-state"
)

// StateEvent is the payload of a sweep-state event.
type StateEvent struct {
	RunID      string      `json:"run_id"`
	State      sweep.State `json:"state"`
	AbortedIn  sweep.State `json:"aborted_in,omitempty"`
	Completed  int         `json:"completed_steps"`
	TotalSteps int         `json:"total_steps"`
	Artifact   string      `json:"artifact_path,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// EventStream publishes sweep progress to server-sent event subscribers.
// It implements sweep.Observer for state changes; measurement points are
// fed in through Forward.
//
// Every subscriber gets a channel of its own, named after the request path
// plus a random suffix, and every publish builds a fresh message per
// channel. go-sse stamps each message as it writes it out and records the
// last event ID on the channel, neither under a lock, so messages are never
// shared between subscribers and publishes are serialised.
type EventStream struct {
	srv *sse.Server

	mu     sync.Mutex
	closed bool
}

// NewEventStream creates an empty stream.
func NewEventStream() *EventStream {
	return &EventStream{
		srv: sse.NewServer(&sse.Options{
			Logger: log.New(io.Discard, "", 0),
			ChannelNameFunc: func(r *http.Request) string {
				return r.URL.Path + subscriberSep + uuid.NewString()
			},
		}),
	}
}

const subscriberSep = "#"

func (e *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		http.Error(w, "event stream closed", http.StatusServiceUnavailable)
		return
	}
	e.srv.ServeHTTP(w, r)
}

// subscribers returns the channels of everyone listening on path.
func (e *EventStream) subscribers(path string) []string {
	var names []string
	for _, name := range e.srv.Channels() {
		if strings.HasPrefix(name, path+subscriberSep) {
			names = append(names, name)
		}
	}
	return names
}

// Listening reports whether anyone is subscribed to the sweep channel.
func (e *EventStream) Listening() bool {
	return len(e.subscribers(SweepChannel)) > 0
}

func (e *EventStream) publish(event string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		logf("ERROR: marshal %s event: %v", event, err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, name := range e.subscribers(SweepChannel) {
		e.srv.SendMessage(name, sse.NewMessage("", string(data), event))
	}
}

// Forward publishes every record received on ch until ch is closed or ctx
// is done.
func (e *EventStream) Forward(ctx context.Context, ch <-chan sweep.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			e.publish(EventPoint, rec)
		}
	}
}

// StateChanged implements sweep.Observer.
func (e *EventStream) StateChanged(run *sweep.Run) {
	e.publish(EventState, StateEvent{
		RunID:      run.ID,
		State:      run.State,
		AbortedIn:  run.AbortedIn,
		Completed:  len(run.Records),
		TotalSteps: run.TotalSteps,
		Artifact:   run.ArtifactPath,
		Error:      run.Error,
	})
}

// RecordAdded implements sweep.Observer. Points are published by Forward.
func (e *EventStream) RecordAdded(*sweep.Run, sweep.Record) {}

// Close disconnects all subscribers. Later publishes are dropped and new
// subscribers are refused.
//
// go-sse's Shutdown closes the channels its request goroutines report
// disconnects on, which panics if a subscriber is still attached, so the
// subscribers' channels are closed one by one instead.
func (e *EventStream) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, name := range e.srv.Channels() {
		e.srv.CloseChannel(name)
	}
}
