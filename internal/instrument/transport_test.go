package instrument

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramedTransport_SplitsAndJoinsChunks(t *testing.T) {
	client, server := net.Pipe()
	tr := newFramedTransport(client, time.Second)
	defer tr.Close()

	go func() {
		server.Write([]byte("first\r\nsec"))
		server.Write([]byte("ond  \n"))
		server.Write([]byte("tail"))
		server.Close()
	}()

	msg, err := tr.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "first", msg)

	msg, err = tr.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "second", msg)

	// EOF after partial data returns the data.
	msg, err = tr.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "tail", msg)

	// EOF with nothing buffered is an error.
	_, err = tr.ReadMessage()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFramedTransport_WriteAppendsNewline(t *testing.T) {
	client, server := net.Pipe()
	tr := newFramedTransport(client, time.Second)
	defer tr.Close()
	defer server.Close()

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := server.Read(buf)
		got <- string(buf[:n])
	}()

	require.NoError(t, tr.WriteMessage("*IDN?"))
	assert.Equal(t, "*IDN?\n", <-got)
}

func TestFramedTransport_ReadTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	tr := newFramedTransport(client, 20*time.Millisecond)
	defer tr.Close()

	_, err := tr.ReadMessage()
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestFramedTransport_InvalidUTF8IsReplaced(t *testing.T) {
	client, server := net.Pipe()
	tr := newFramedTransport(client, time.Second)
	defer tr.Close()

	go func() {
		server.Write([]byte{'-', '1', 0xff, '\n'})
		server.Close()
	}()

	msg, err := tr.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "-1�", msg)
}

// zeroReader returns (0, nil) forever, like a serial port whose read timeout
// expired.
type zeroReader struct{}

func (zeroReader) Read([]byte) (int, error)    { return 0, nil }
func (zeroReader) Write(p []byte) (int, error) { return len(p), nil }
func (zeroReader) Close() error                { return nil }

func TestFramedTransport_ZeroRead(t *testing.T) {
	tr := newFramedTransport(zeroReader{}, time.Second)
	tr.zeroReadIsTimeout = true
	_, err := tr.ReadMessage()
	assert.ErrorIs(t, err, ErrTimeout)

	tr.zeroReadIsTimeout = false
	_, err = tr.ReadMessage()
	assert.ErrorIs(t, err, io.ErrNoProgress)
}

type failingWriter struct{ zeroReader }

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("boom") }

func TestFramedTransport_WriteError(t *testing.T) {
	tr := newFramedTransport(failingWriter{}, time.Second)
	err := tr.WriteMessage("x")
	assert.EqualError(t, err, "boom")
}

func TestFramedTransport_ClosedStreamEnds(t *testing.T) {
	client, server := net.Pipe()
	tr := newFramedTransport(client, time.Second)

	go func() {
		server.Write([]byte("a\nb"))
		server.Close()
	}()

	msg, err := tr.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "a", msg)

	msg, err = tr.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "b", msg)

	_, err = tr.ReadMessage()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	require.NoError(t, tr.Close())
	_, err = tr.ReadMessage()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFramedTransport_LateReplyIsDiscarded(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	tr := newFramedTransport(client, 100*time.Millisecond)
	defer tr.Close()

	timedOut := make(chan struct{})
	received := make(chan string, 1)
	go func() {
		server.Write([]byte("12.5"))
		<-timedOut
		server.Write([]byte("00\n"))

		buf := make([]byte, 64)
		n, _ := server.Read(buf)
		received <- string(buf[:n])
		server.Write([]byte("0.030\n"))
	}()

	_, err := tr.ReadMessage()
	require.ErrorIs(t, err, ErrTimeout)
	close(timedOut)

	require.NoError(t, tr.WriteMessage("SOURce:CURRent:LEVel:IMMediate:AMPLitude?"))
	assert.Equal(t, "SOURce:CURRent:LEVel:IMMediate:AMPLitude?\n", <-received)

	msg, err := tr.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "0.030", msg)
}
