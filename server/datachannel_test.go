package server

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataChannelLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)
	dc, err := openDataChannel(srv, "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, dataListening, dc.state)
	assert.NotZero(t, dc.port())

	client, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(dc.port())))
	require.NoError(t, err)
	defer client.Close()

	conn, err := dc.accept(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dataConnected, dc.state)

	// Only one connection per channel.
	_, err = dc.accept(context.Background())
	assert.ErrorContains(t, err, "data channel is connected")

	_, err = io.WriteString(conn, "payload")
	require.NoError(t, err)
	require.NoError(t, dc.Close())
	assert.Equal(t, dataClosed, dc.state)

	got, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	// Closing again is a no-op.
	assert.NoError(t, dc.Close())
	assert.Equal(t, "closed", dc.state.String())
}

func TestDataChannelAcceptTimeout(t *testing.T) {
	srv := newTestServer(t, nil, WithDataTimeout(30*time.Millisecond))
	dc, err := openDataChannel(srv, "127.0.0.1")
	require.NoError(t, err)

	start := time.Now()
	_, err = dc.accept(context.Background())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, dataClosed, dc.state)
	assert.NoError(t, dc.Close())
}

func TestDataChannelAcceptCanceled(t *testing.T) {
	srv := newTestServer(t, nil)
	dc, err := openDataChannel(srv, "127.0.0.1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err = dc.accept(ctx)
	assert.Error(t, err)
	assert.Equal(t, dataClosed, dc.state)
}

func TestDataChannelCloseListening(t *testing.T) {
	srv := newTestServer(t, nil)
	dc, err := openDataChannel(srv, "127.0.0.1")
	require.NoError(t, err)
	addr := dc.listener.Addr().String()

	require.NoError(t, dc.Close())
	assert.Equal(t, dataClosed, dc.state)

	_, err = dc.accept(context.Background())
	assert.ErrorContains(t, err, "data channel is closed")

	c, err := net.DialTimeout("tcp", addr, time.Second)
	if err == nil {
		c.Close()
	}
	assert.Error(t, err)
}

func TestListenPassiveRange(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	var next atomic.Int32
	settings := Settings{PasvMinPort: port, PasvMaxPort: port}

	held, err := listenPassive("127.0.0.1", settings, &next)
	require.NoError(t, err)
	defer held.Close()
	assert.Equal(t, port, held.Addr().(*net.TCPAddr).Port)

	_, err = listenPassive("127.0.0.1", settings, &next)
	assert.ErrorContains(t, err, "no available ports")
}

func TestDataConnectionsClosedOnShutdown(t *testing.T) {
	srv := newTestServer(t, nil)
	dc, err := openDataChannel(srv, "127.0.0.1")
	require.NoError(t, err)

	client, err := net.Dial("tcp", dc.listener.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = dc.accept(context.Background())
	require.NoError(t, err)

	require.NoError(t, srv.Shutdown())
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
