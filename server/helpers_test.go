package server

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/util"
	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/require"
)

// testNow is the clock of test servers, so listing stamps are stable.
var testNow = time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC)

// fakeConn is a control connection that records replies. Reads hit EOF.
type fakeConn struct {
	mu     sync.Mutex
	out    bytes.Buffer
	closed bool
}

func (c *fakeConn) Read([]byte) (int, error) { return 0, io.EOF }

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(p)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 21}
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func (c *fakeConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

// take returns and clears everything written so far.
func (c *fakeConn) take() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.out.String()
	c.out.Reset()
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestDriver returns an in-memory driver accepting test/1234 and holding
//
//	/one.txt        (25 bytes)
//	/files/two.txt  (28 bytes)
func newTestDriver(t *testing.T, opts ...FSDriverOption) *FSDriver {
	t.Helper()

	opts = append([]FSDriverOption{
		WithAuthenticator(func(user, pass string) error {
			if user == "test" && pass == "1234" {
				return nil
			}
			return errors.New(errors.CodeUnauthorized, "login incorrect")
		}),
	}, opts...)
	d := NewMemoryDriver(opts...)

	fs := d.Filesystem()
	require.NoError(t, fs.MkdirAll("/files", 0o755))
	require.NoError(t, util.WriteFile(fs, "/one.txt", []byte(strings.Repeat("1", 25)), 0o644))
	require.NoError(t, util.WriteFile(fs, "/files/two.txt", []byte(strings.Repeat("2", 28)), 0o644))
	return d
}

// newTestServer returns a server on driver, or on newTestDriver if nil.
func newTestServer(t *testing.T, driver Driver, opts ...Option) *Server {
	t.Helper()
	if driver == nil {
		driver = newTestDriver(t)
	}
	base := []Option{
		WithDriver(driver),
		WithLogger(discardLogger()),
		WithClock(func() time.Time { return testNow }),
		WithDataTimeout(2 * time.Second),
	}
	s, err := NewServer("127.0.0.1:0", append(base, opts...)...)
	require.NoError(t, err)
	return s
}

// newTestSession returns a session on a fakeConn, not yet logged in.
func newTestSession(t *testing.T, opts ...Option) (*session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	s := newSession(newTestServer(t, nil, opts...), conn)
	t.Cleanup(s.close)
	return s, conn
}

// send runs one command line and returns the replies it produced.
func send(s *session, conn *fakeConn, line string) string {
	s.handleCommand(line)
	return conn.take()
}

func login(t *testing.T, s *session, conn *fakeConn) {
	t.Helper()
	require.Equal(t, "331 User name okay, need password.\r\n", send(s, conn, "USER test"))
	require.Equal(t, "230 User logged in, proceed.\r\n", send(s, conn, "PASS 1234"))
}

// replyCodes extracts the codes of the single-line replies in out.
func replyCodes(out string) []int {
	var codes []int
	for _, line := range strings.Split(strings.TrimSuffix(out, LineBreak), LineBreak) {
		if len(line) < 4 || line[3] != ' ' {
			continue
		}
		if code, err := strconv.Atoi(line[:3]); err == nil {
			codes = append(codes, code)
		}
	}
	return codes
}

var pasvRe = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)

// pasv sends PASV and returns the address the client should dial.
func pasv(t *testing.T, s *session, conn *fakeConn) string {
	t.Helper()
	out := send(s, conn, "PASV")
	m := pasvRe.FindStringSubmatch(out)
	require.NotNil(t, m, "unexpected PASV reply %q", out)

	p1, _ := strconv.Atoi(m[5])
	p2, _ := strconv.Atoi(m[6])
	return net.JoinHostPort(strings.Join(m[1:5], "."), strconv.Itoa(p1*256+p2))
}

// dialData connects to a passive port. The kernel completes the handshake
// before the session accepts, as with a real client.
func dialData(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// recordingCollector is a MetricsCollector that remembers its calls.
type recordingCollector struct {
	mu        sync.Mutex
	commands  []string
	failed    []string
	transfers map[string]int64
	conns     []string
	logins    []bool
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{transfers: make(map[string]int64)}
}

func (r *recordingCollector) RecordCommand(cmd string, success bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if success {
		r.commands = append(r.commands, cmd)
	} else {
		r.failed = append(r.failed, cmd)
	}
}

func (r *recordingCollector) RecordTransfer(op string, bytes int64, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfers[op] += bytes
}

func (r *recordingCollector) RecordConnection(_ bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = append(r.conns, reason)
}

func (r *recordingCollector) RecordAuthentication(success bool, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logins = append(r.logins, success)
}
