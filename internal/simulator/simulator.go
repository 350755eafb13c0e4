// Package simulator provides in-process stand-ins for the laser current
// source and the optical power meter. They answer the same command
// vocabulary as the real instruments, either in memory or over a loopback
// TCP socket.
package simulator

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/optobench/internal/instrument"
	"github.com/banshee-data/optobench/internal/monitoring"
)

var logf = monitoring.Component("simulator")

// Responder answers one command. ok is false for commands that produce no
// response, such as setters.
type Responder interface {
	Respond(cmd string) (resp string, ok bool)
}

// Conn is an in-memory instrument.Transport backed by a Responder.
type Conn struct {
	r Responder

	mu      sync.Mutex
	pending []string
	closed  bool
}

// NewConn returns a connection to r.
func NewConn(r Responder) *Conn {
	return &Conn{r: r}
}

func (c *Conn) WriteMessage(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	if resp, ok := c.r.Respond(strings.TrimSpace(msg)); ok {
		c.pending = append(c.pending, resp)
	}
	return nil
}

func (c *Conn) ReadMessage() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", net.ErrClosed
	}
	if len(c.pending) == 0 {
		return "", instrument.ErrTimeout
	}
	resp := c.pending[0]
	c.pending = c.pending[1:]
	return resp, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Opener returns an instrument.Opener that connects every session to r,
// regardless of the configured address.
func Opener(r Responder) instrument.Opener {
	return instrument.OpenerFunc(func(ctx context.Context, _ instrument.Endpoint, _ time.Duration) (instrument.Transport, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return NewConn(r), nil
	})
}

// ServeTCP accepts connections on ln and answers newline-terminated
// commands with r until ctx is cancelled or ln is closed.
func ServeTCP(ctx context.Context, ln net.Listener, r Responder) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConn(ctx, conn, r)
		}()
	}
}

func serveConn(ctx context.Context, conn net.Conn, r Responder) {
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	logf("client connected from %s", conn.RemoteAddr())
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		resp, ok := r.Respond(strings.TrimSpace(scanner.Text()))
		if !ok {
			continue
		}
		if _, err := conn.Write([]byte(resp + "\n")); err != nil {
			return
		}
	}
}
