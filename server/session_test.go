package server

import (
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionGreeting(t *testing.T) {
	s, conn := newTestSession(t, WithWelcomeMessage("hello there"))
	s.serve()

	assert.Equal(t, "220 hello there\r\n", conn.take())
	assert.True(t, conn.closed)
}

func TestSessionRequiresLogin(t *testing.T) {
	commands := []string{
		"CWD files", "CDUP", "MKD x", "RMD files", "DELE one.txt",
		"RNFR one.txt", "RNTO two.txt", "PASV", "TYPE I", "LIST",
		"RETR one.txt", "STOR x", "SIZE one.txt", "FEAT",
	}
	for _, line := range commands {
		t.Run(line, func(t *testing.T) {
			s, conn := newTestSession(t)
			assert.Equal(t, "530 Not logged in.\r\n", send(s, conn, line))

			assert.Equal(t, "/", s.cwd)
			assert.False(t, s.hasRenameFrom)
			assert.Nil(t, s.data)
		})
	}

	// The gate doesn't look at the argument.
	s, conn := newTestSession(t)
	assert.Equal(t, "530 Not logged in.\r\n", send(s, conn, "RETR"))
}

func TestSessionCommandsBeforeLogin(t *testing.T) {
	s, conn := newTestSession(t)

	assert.Equal(t, "257 \"/\" is the current directory\r\n", send(s, conn, "PWD"))
	assert.Equal(t, "215 UNIX Type: L8\r\n", send(s, conn, "SYST"))
	assert.Equal(t, "200 OK.\r\n", send(s, conn, "NOOP"))
}

func TestSessionLogin(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  []string
		auth  bool
	}{
		{
			name:  "ok",
			lines: []string{"USER test", "PASS 1234"},
			want:  []string{"331 User name okay, need password.", "230 User logged in, proceed."},
			auth:  true,
		},
		{
			name:  "bad password",
			lines: []string{"USER test", "PASS nope"},
			want:  []string{"331 User name okay, need password.", "530 Login incorrect."},
		},
		{
			name:  "password without user",
			lines: []string{"PASS 1234"},
			want:  []string{"530 Login with USER first."},
		},
		{
			name:  "empty user",
			lines: []string{"USER"},
			want:  []string{"553 User name required."},
		},
		{
			name:  "empty password keeps user",
			lines: []string{"USER test", "PASS", "PASS 1234"},
			want: []string{
				"331 User name okay, need password.",
				"553 Password required.",
				"230 User logged in, proceed.",
			},
			auth: true,
		},
		{
			name:  "failed password forgets user",
			lines: []string{"USER test", "PASS nope", "PASS 1234"},
			want: []string{
				"331 User name okay, need password.",
				"530 Login incorrect.",
				"530 Login with USER first.",
			},
		},
		{
			name:  "second user replaces first",
			lines: []string{"USER other", "USER test", "PASS 1234"},
			want: []string{
				"331 User name okay, need password.",
				"331 User name okay, need password.",
				"230 User logged in, proceed.",
			},
			auth: true,
		},
		{
			name:  "anonymous rejected with authenticator",
			lines: []string{"USER anonymous", "PASS guest@"},
			want:  []string{"331 User name okay, need password.", "530 Login incorrect."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, conn := newTestSession(t)
			for i, line := range tt.lines {
				assert.Equal(t, tt.want[i]+"\r\n", send(s, conn, line), line)
			}
			assert.Equal(t, tt.auth, s.authenticated)
		})
	}
}

func TestSessionAlreadyLoggedIn(t *testing.T) {
	s, conn := newTestSession(t)
	login(t, s, conn)

	assert.Equal(t, "500 Already logged in.\r\n", send(s, conn, "USER other"))
	assert.Equal(t, "202 Already logged in.\r\n", send(s, conn, "PASS 1234"))
	assert.Equal(t, "test", s.user)
}

func TestSessionLoginMetrics(t *testing.T) {
	rec := newRecordingCollector()
	s, conn := newTestSession(t, WithMetricsCollector(rec))

	send(s, conn, "USER test")
	send(s, conn, "PASS nope")
	login(t, s, conn)
	send(s, conn, "BOGUS")
	send(s, conn, "SIZE nope")

	assert.Equal(t, []bool{false, true}, rec.logins)
	assert.Equal(t, []string{"USER", "USER", "PASS"}, rec.commands)
	// Unknown commands aren't recorded.
	assert.Equal(t, []string{"PASS", "SIZE"}, rec.failed)
}

func TestSessionSecurityNegotiation(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  []string
	}{
		{
			name:  "pbsz before auth",
			lines: []string{"PBSZ 0"},
			want:  []string{"503 AUTH TLS required first."},
		},
		{
			name:  "prot before pbsz",
			lines: []string{"AUTH TLS", "PROT P"},
			want:  []string{"234 AUTH TLS successful.", "503 PBSZ required first."},
		},
		{
			name:  "auth ssl",
			lines: []string{"AUTH SSL"},
			want:  []string{"504 Only AUTH TLS is supported."},
		},
		{
			name:  "pbsz values",
			lines: []string{"auth tls", "PBSZ abc", "PBSZ 1024", "PROT C", "PBSZ 0"},
			want: []string{
				"234 AUTH TLS successful.",
				"501 Invalid buffer size.",
				"200 Failed",
				"503 PBSZ required first.",
				"200 Success",
			},
		},
		{
			name:  "prot levels",
			lines: []string{"AUTH TLS", "PBSZ 0", "PROT P", "PROT C", "PROT S", "PROT"},
			want: []string{
				"234 AUTH TLS successful.",
				"200 Success",
				"504 PROT P not supported.",
				"536 PROT C not supported.",
				"504 Unknown protection level.",
				"504 Unknown protection level.",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, conn := newTestSession(t)
			for i, line := range tt.lines {
				assert.Equal(t, tt.want[i]+"\r\n", send(s, conn, line), line)
			}
			assert.False(t, s.authenticated)
		})
	}
}

func TestSessionFEAT(t *testing.T) {
	s, conn := newTestSession(t)
	login(t, s, conn)
	assert.Equal(t, "211-Features:\r\n PASV\r\n SIZE\r\n211 End\r\n", send(s, conn, "FEAT"))

	s, conn = newTestSession(t, WithTLS(&tls.Config{}))
	login(t, s, conn)
	assert.Equal(t,
		"211-Features:\r\n PASV\r\n SIZE\r\n AUTH TLS\r\n PBSZ\r\n PROT\r\n211 End\r\n",
		send(s, conn, "FEAT"))
}

func TestSessionNavigation(t *testing.T) {
	s, conn := newTestSession(t)
	login(t, s, conn)

	assert.Equal(t, "250 Directory successfully changed.\r\n", send(s, conn, "CWD files"))
	assert.Equal(t, "257 \"/files\" is the current directory\r\n", send(s, conn, "PWD"))

	assert.Equal(t, "250 Directory successfully changed.\r\n", send(s, conn, "CDUP"))
	assert.Equal(t, "/", s.cwd)

	// CDUP at the root stays at the root.
	assert.Equal(t, "250 Directory successfully changed.\r\n", send(s, conn, "CDUP"))
	assert.Equal(t, "/", s.cwd)

	assert.Equal(t, "250 Directory successfully changed.\r\n", send(s, conn, "CWD /files/"))
	assert.Equal(t, "/files", s.cwd)
	assert.Equal(t, "250 Directory successfully changed.\r\n", send(s, conn, "CWD ../.."))
	assert.Equal(t, "/", s.cwd)

	assert.Equal(t, "550 No such file or directory.\r\n", send(s, conn, "CWD nope"))
	assert.Equal(t, "550 No such file or directory.\r\n", send(s, conn, "CWD one.txt"))
	assert.Equal(t, "/", s.cwd)
}

func TestSessionDirectories(t *testing.T) {
	s, conn := newTestSession(t)
	login(t, s, conn)

	assert.Equal(t, "257 \"/new\" created.\r\n", send(s, conn, "MKD new"))
	assert.Equal(t, "553 File exists.\r\n", send(s, conn, "MKD new"))
	assert.Equal(t, "550 No such file or directory.\r\n", send(s, conn, "MKD missing/child"))
	assert.Equal(t, "553 Directory name required.\r\n", send(s, conn, "MKD"))

	send(s, conn, "CWD new")
	assert.Equal(t, "257 \"/new/inner\" created.\r\n", send(s, conn, "MKD inner"))

	assert.Equal(t, "250 Directory removed.\r\n", send(s, conn, "RMD /new"))
	assert.Equal(t, "550 No such file or directory.\r\n", send(s, conn, "RMD /new"))
	assert.Equal(t, "550 Permission denied.\r\n", send(s, conn, "RMD /"))
	assert.Equal(t, "553 Directory name required.\r\n", send(s, conn, "RMD"))
}

func TestSessionDelete(t *testing.T) {
	s, conn := newTestSession(t)
	login(t, s, conn)

	assert.Equal(t, "250 File deleted.\r\n", send(s, conn, "DELE one.txt"))
	assert.Equal(t, "550 No such file or directory.\r\n", send(s, conn, "DELE one.txt"))
	assert.Equal(t, "550 Is a directory.\r\n", send(s, conn, "DELE files"))
	assert.Equal(t, "553 File name required.\r\n", send(s, conn, "DELE"))
}

func TestSessionRename(t *testing.T) {
	s, conn := newTestSession(t)
	login(t, s, conn)

	assert.Equal(t, "503 Bad sequence of commands. Send RNFR first.\r\n", send(s, conn, "RNTO x"))

	assert.Equal(t, "350 Requested file action pending further information.\r\n", send(s, conn, "RNFR one.txt"))
	assert.Equal(t, "250 Requested file action successful, file renamed.\r\n", send(s, conn, "RNTO files/one.txt"))
	assert.False(t, s.hasRenameFrom)
	assert.Equal(t, "213 25\r\n", send(s, conn, "SIZE /files/one.txt"))

	// The pending source is consumed even when the rename fails.
	send(s, conn, "RNFR nope")
	assert.Equal(t, "550 No such file or directory.\r\n", send(s, conn, "RNTO other"))
	assert.Equal(t, "503 Bad sequence of commands. Send RNFR first.\r\n", send(s, conn, "RNTO other"))

	send(s, conn, "RNFR files/one.txt")
	assert.Equal(t, "550 File exists.\r\n", send(s, conn, "RNTO files/two.txt"))

	assert.Equal(t, "553 File name required.\r\n", send(s, conn, "RNFR"))
	assert.Equal(t, "553 File name required.\r\n", send(s, conn, "RNTO"))
}

func TestSessionSize(t *testing.T) {
	s, conn := newTestSession(t)
	login(t, s, conn)

	assert.Equal(t, "213 25\r\n", send(s, conn, "SIZE one.txt"))
	assert.Equal(t, "213 28\r\n", send(s, conn, "SIZE /files/two.txt"))
	assert.Equal(t, "450 No such file or directory.\r\n", send(s, conn, "SIZE nope"))
	assert.Equal(t, "450 Is a directory.\r\n", send(s, conn, "SIZE files"))
	assert.Equal(t, "553 File name required.\r\n", send(s, conn, "SIZE"))
}

func TestSessionType(t *testing.T) {
	s, conn := newTestSession(t)
	login(t, s, conn)

	assert.Equal(t, "200 Type set to I.\r\n", send(s, conn, "TYPE I"))
	assert.Equal(t, "200 Type set to A.\r\n", send(s, conn, "TYPE a n"))
	assert.Equal(t, "200 Type set to L.\r\n", send(s, conn, "TYPE L 8"))
	assert.Equal(t, "504 Type not supported.\r\n", send(s, conn, "TYPE E"))
	assert.Equal(t, "501 Syntax error in parameters or arguments.\r\n", send(s, conn, "TYPE"))
}

func TestSessionUnknownAndDisabled(t *testing.T) {
	s, conn := newTestSession(t, WithDisableCommands("dele", "NOOP"))

	assert.Equal(t, "502 Command not implemented.\r\n", send(s, conn, "XYZZY"))
	assert.Equal(t, "502 Command not implemented.\r\n", send(s, conn, "EPSV"))
	// Disabled commands answer 502 even before login.
	assert.Equal(t, "502 Command not implemented.\r\n", send(s, conn, "DELE one.txt"))
	assert.Equal(t, "502 Command not implemented.\r\n", send(s, conn, "NOOP"))

	login(t, s, conn)
	assert.Equal(t, "502 Command not implemented.\r\n", send(s, conn, "DELE one.txt"))
	assert.Equal(t, "213 25\r\n", send(s, conn, "SIZE one.txt"))
}

func TestSessionReadOnlyCommands(t *testing.T) {
	s, conn := newTestSession(t, WithDisableCommands(WriteCommands...))
	login(t, s, conn)

	for _, line := range []string{"STOR x", "DELE one.txt", "RMD files", "MKD x", "RNFR one.txt", "RNTO x"} {
		assert.Equal(t, "502 Command not implemented.\r\n", send(s, conn, line), line)
	}
	assert.Equal(t, "213 25\r\n", send(s, conn, "SIZE one.txt"))
}

func TestSessionCommandParsing(t *testing.T) {
	s, conn := newTestSession(t)

	assert.Empty(t, send(s, conn, ""))
	assert.Empty(t, send(s, conn, "\r\n"))
	assert.Equal(t, "331 User name okay, need password.\r\n", send(s, conn, "user test"))
	assert.Equal(t, "230 User logged in, proceed.\r\n", send(s, conn, "pass 1234"))

	// Everything after the first space is the argument, spaces included.
	require.NoError(t, s.server.driver.MakeDir(s.ctx, "/my dir"))
	assert.Equal(t, "250 Directory successfully changed.\r\n", send(s, conn, "CWD my dir"))
	assert.Equal(t, "/my dir", s.cwd)
}

func TestSessionQuit(t *testing.T) {
	s, conn := newTestSession(t)

	assert.Equal(t, "221 Service closing control connection.\r\n", send(s, conn, "QUIT"))
	assert.True(t, s.quit)
}

func TestQuotePath(t *testing.T) {
	assert.Equal(t, `"/a ""b"""`, quotePath(`/a "b"`))
	assert.Equal(t, `"/"`, quotePath("/"))
}

func TestReplyCodeFor(t *testing.T) {
	notFound := errors.New(errors.CodeNotFound, "boom")
	exists := errors.New(errors.CodeAlreadyExists, "boom")

	tests := []struct {
		cmd  string
		err  error
		code int
		text string
	}{
		{"CWD", notFound, 550, "No such file or directory."},
		{"CWD", os.ErrNotExist, 550, "No such file or directory."},
		{"MKD", exists, 553, "File exists."},
		{"RNTO", exists, 550, "File exists."},
		{"SIZE", notFound, 450, "No such file or directory."},
		{"RETR", notFound, 551, "File not available."},
		{"RETR", errReadOnly, 550, "Permission denied."},
		{"DELE", ErrIsDirectory, 550, "Is a directory."},
		{"STOR", fmt.Errorf("boom"), 550, "Requested action not taken."},
	}
	for _, tt := range tests {
		t.Run(tt.cmd+" "+tt.text, func(t *testing.T) {
			code, text := replyCodeFor(tt.cmd, tt.err)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.text, text)
			assert.False(t, strings.Contains(text, "boom"))
		})
	}
}

// brokenConn accepts endless NOOPs but fails every write.
type brokenConn struct {
	fakeConn
	mu     sync.Mutex
	writes int
}

func (c *brokenConn) Read(p []byte) (int, error) {
	return copy(p, "NOOP\r\n"), nil
}

func (c *brokenConn) Write([]byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	return 0, io.ErrClosedPipe
}

func TestReplyWriteFailureEndsSession(t *testing.T) {
	conn := &brokenConn{}
	s := newSession(newTestServer(t, nil, WithWriteTimeout(time.Second)), conn)

	done := make(chan struct{})
	go func() {
		s.serve()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session kept running after the greeting could not be written")
	}

	assert.ErrorIs(t, s.replyErr, io.ErrClosedPipe)
	assert.True(t, conn.closed)
	conn.mu.Lock()
	assert.Equal(t, 1, conn.writes)
	conn.mu.Unlock()
}

func TestNoRepliesAfterWriteFailure(t *testing.T) {
	conn := &brokenConn{}
	s := newSession(newTestServer(t, nil), conn)
	t.Cleanup(s.close)

	s.handleCommand("NOOP")
	require.Error(t, s.replyErr)
	s.handleCommand("SYST")
	s.reply(200, "again")

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Equal(t, 1, conn.writes)
}
