package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"
)

type dataState int

const (
	dataListening dataState = iota
	dataConnected
	dataClosed
)

func (st dataState) String() string {
	switch st {
	case dataListening:
		return "listening"
	case dataConnected:
		return "connected"
	default:
		return "closed"
	}
}

// dataChannel is a passive-mode data connection used for exactly one
// transfer. It listens until the client connects, then carries the bytes of
// a single LIST, RETR or STOR and is closed.
type dataChannel struct {
	server   *Server
	listener net.Listener
	conn     net.Conn
	state    dataState
	timeout  time.Duration
}

// openDataChannel binds a listener on host, either on an ephemeral port or
// on a free port of the configured passive range.
func openDataChannel(srv *Server, host string) (*dataChannel, error) {
	ln, err := listenPassive(host, srv.passive, &srv.nextPassivePort)
	if err != nil {
		return nil, err
	}
	return &dataChannel{
		server:   srv,
		listener: ln,
		state:    dataListening,
		timeout:  srv.dataTimeout,
	}, nil
}

func listenPassive(host string, settings Settings, next *atomic.Int32) (net.Listener, error) {
	if settings.PasvMinPort > 0 && settings.PasvMaxPort >= settings.PasvMinPort {
		minPort := settings.PasvMinPort
		rangeLen := int32(settings.PasvMaxPort - minPort + 1)

		// Round-robin through the range so consecutive sessions don't race
		// for the same port.
		start := next.Add(1)
		for i := int32(0); i < rangeLen; i++ {
			port := minPort + int((start+i)%rangeLen)
			ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
			if err == nil {
				return ln, nil
			}
		}
		return nil, fmt.Errorf("no available ports in range [%d, %d]", minPort, settings.PasvMaxPort)
	}
	return net.Listen("tcp", net.JoinHostPort(host, "0"))
}

// port returns the port the channel listens on.
func (d *dataChannel) port() int {
	if addr, ok := d.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// accept waits for the client to connect. The listener is closed as soon as
// one connection arrives, or when the timeout or ctx expires.
func (d *dataChannel) accept(ctx context.Context) (net.Conn, error) {
	if d.state != dataListening {
		return nil, fmt.Errorf("data channel is %s", d.state)
	}

	if t, ok := d.listener.(*net.TCPListener); ok && d.timeout > 0 {
		_ = t.SetDeadline(time.Now().Add(d.timeout))
	}

	stop := context.AfterFunc(ctx, func() { d.listener.Close() })
	defer stop()

	conn, err := d.listener.Accept()
	d.listener.Close()
	if err != nil {
		d.state = dataClosed
		return nil, err
	}

	d.server.trackConnection(conn, true)
	d.conn = conn
	d.state = dataConnected
	return conn, nil
}

// Close tears the channel down in whatever state it is in.
func (d *dataChannel) Close() error {
	if d.state == dataClosed {
		return nil
	}
	prev := d.state
	d.state = dataClosed
	if prev == dataListening {
		return d.listener.Close()
	}
	d.server.trackConnection(d.conn, false)
	return d.conn.Close()
}
