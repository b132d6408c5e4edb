package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"
	"golang.org/x/time/rate"

	"github.com/gonzalop/s3ftpd/internal/ratelimit"
)

// session represents an FTP client session. All fields except those guarded
// by mu are owned by the goroutine running serve.
type session struct {
	server *Server
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex // Protects conn, lines and writer, swapped by AUTH TLS
	conn   net.Conn
	lines  *lineReader
	writer *bufio.Writer

	sessionID string
	remoteIP  string

	// Login state
	authenticated  bool
	user           string
	pendingUser    string
	hasPendingUser bool

	// TLS negotiation. PROT declines every level, so data channels stay
	// in clear.
	tlsRequested bool
	pbszAccepted bool

	// Directory cursor, always a path the driver accepted in ChangeDir.
	cwd string

	renameFrom    string
	hasRenameFrom bool

	// data is the passive channel opened by the last PASV, if any.
	data *dataChannel

	// limiter throttles this session's transfers; nil when unlimited.
	limiter *rate.Limiter

	// lastCode is the code of the last reply, used for command metrics.
	lastCode int
	quit     bool

	// replyErr is the first failed reply write. The control connection is
	// unusable after it and the session ends once the handler returns.
	replyErr error

	// Reader synchronization
	cmdReqChan chan struct{}
}

// commandHandler describes how a command is dispatched.
type commandHandler struct {
	fn           func(*session, string)
	requiresAuth bool
}

// commandHandlers maps FTP commands to their handler functions.
// Commands flagged requiresAuth are answered with 530 before login, without
// looking at their argument.
var commandHandlers = map[string]commandHandler{
	// Access control
	"USER": {fn: (*session).handleUSER},
	"PASS": {fn: (*session).handlePASS},
	"QUIT": {fn: (*session).handleQUIT},

	// Security
	"AUTH": {fn: (*session).handleAUTH},
	"PBSZ": {fn: (*session).handlePBSZ},
	"PROT": {fn: (*session).handlePROT},

	// File Management
	"PWD":  {fn: (*session).handlePWD},
	"CWD":  {fn: (*session).handleCWD, requiresAuth: true},
	"CDUP": {fn: (*session).handleCDUP, requiresAuth: true},
	"MKD":  {fn: (*session).handleMKD, requiresAuth: true},
	"RMD":  {fn: (*session).handleRMD, requiresAuth: true},
	"DELE": {fn: (*session).handleDELE, requiresAuth: true},
	"RNFR": {fn: (*session).handleRNFR, requiresAuth: true},
	"RNTO": {fn: (*session).handleRNTO, requiresAuth: true},

	// File Transfer
	"PASV": {fn: (*session).handlePASV, requiresAuth: true},
	"TYPE": {fn: (*session).handleTYPE, requiresAuth: true},
	"LIST": {fn: (*session).handleLIST, requiresAuth: true},
	"RETR": {fn: (*session).handleRETR, requiresAuth: true},
	"STOR": {fn: (*session).handleSTOR, requiresAuth: true},

	// Information
	"SIZE": {fn: (*session).handleSIZE, requiresAuth: true},
	"FEAT": {fn: (*session).handleFEAT, requiresAuth: true},
	"SYST": {fn: (*session).handleSYST},
	"NOOP": {fn: (*session).handleNOOP},
}

// newSession creates a new session.
func newSession(server *Server, conn net.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		server:     server,
		ctx:        ctx,
		cancel:     cancel,
		conn:       conn,
		lines:      newLineReader(conn),
		writer:     bufio.NewWriter(conn),
		sessionID:  uuid.NewString(),
		remoteIP:   remoteIP(conn),
		cwd:        "/",
		limiter:    ratelimit.New(server.sessionBandwidth),
		cmdReqChan: make(chan struct{}),
	}
}

type commandLine struct {
	line string
	err  error
}

// serve runs the session until the client quits or disconnects.
//
// A reader goroutine frames command lines and hands them to this loop, which
// is the only place session state is touched. The reader waits on cmdReqChan
// before reading the next line, so a handler can swap the connection (AUTH
// TLS) before any further byte is consumed, and commands are never pipelined
// ahead of an unfinished driver call.
func (s *session) serve() {
	defer s.close()

	s.reply(220, s.server.welcomeMessage)
	if s.replyErr != nil {
		return
	}

	s.server.logger.Info("session_started",
		"session_id", s.sessionID,
		"remote_ip", s.server.redactIP(s.remoteIP),
	)

	done := make(chan struct{})
	defer close(done)

	for cmd := range s.startCommandReader(done) {
		if cmd.err != nil {
			s.handleReadError(cmd.err)
			return
		}

		s.handleCommand(cmd.line)

		if s.quit || s.replyErr != nil {
			return
		}

		s.cmdReqChan <- struct{}{}
	}
}

func (s *session) handleReadError(err error) {
	var ne net.Error
	switch {
	case errors.Is(err, errCommandTooLong):
		s.reply(500, "Command line too long.")
	case errors.As(err, &ne) && ne.Timeout():
		s.server.logger.Info("session_idle_timeout",
			"session_id", s.sessionID,
			"remote_ip", s.server.redactIP(s.remoteIP),
			"user", s.user,
		)
		s.reply(421, "Idle timeout, closing control connection.")
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	default:
		s.server.logger.Warn("read_failed",
			"session_id", s.sessionID,
			"remote_ip", s.server.redactIP(s.remoteIP),
			"user", s.user,
			"error", err,
		)
	}
}

func (s *session) startCommandReader(done chan struct{}) chan commandLine {
	cmdChan := make(chan commandLine)
	go func() {
		defer close(cmdChan)
		for {
			s.mu.Lock()
			conn, lines := s.conn, s.lines
			s.mu.Unlock()

			if s.server.maxIdleTime > 0 {
				_ = conn.SetReadDeadline(time.Now().Add(s.server.maxIdleTime))
			}

			line, err := lines.readLine()

			select {
			case cmdChan <- commandLine{line, err}:
			case <-done:
				return
			}

			if err != nil {
				return
			}

			select {
			case <-s.cmdReqChan:
			case <-done:
				return
			}
		}
	}()
	return cmdChan
}

func (s *session) currentConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// close tears down the data channel and the control connection.
func (s *session) close() {
	s.cancel()

	if s.data != nil {
		s.data.Close()
		s.data = nil
	}
	s.currentConn().Close()

	s.server.logger.Debug("session_closed",
		"session_id", s.sessionID,
		"remote_ip", s.server.redactIP(s.remoteIP),
		"user", s.user,
	)
}

// handleCommand parses and dispatches one command line.
func (s *session) handleCommand(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}

	cmd, arg, _ := strings.Cut(line, " ")
	cmd = strings.ToUpper(cmd)

	logArg := arg
	if cmd == "PASS" {
		logArg = "***"
	}
	s.server.logger.Debug("command_received",
		"session_id", s.sessionID,
		"remote_ip", s.server.redactIP(s.remoteIP),
		"user", s.user,
		"cmd", cmd,
		"arg", logArg,
	)

	h, ok := commandHandlers[cmd]
	if !ok || s.server.disabledCommands[cmd] {
		s.reply(502, "Command not implemented.")
		return
	}

	start := time.Now()
	s.lastCode = 0

	if h.requiresAuth && !s.authenticated {
		s.reply(530, "Not logged in.")
	} else {
		h.fn(s, arg)
	}

	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordCommand(cmd, s.lastCode > 0 && s.lastCode < 400, time.Since(start))
	}
}

// reply sends a single-line response to the client.
func (s *session) reply(code int, message string) {
	s.send(code, func(w io.Writer) error {
		return writeReply(w, code, message)
	})
}

// replyLines sends a multi-line response.
func (s *session) replyLines(code int, header string, lines []string, footer string) {
	s.send(code, func(w io.Writer) error {
		return writeMultiline(w, code, header, lines, footer)
	})
}

// send writes and flushes one reply under the write timeout. After a failed
// write nothing more is sent on the connection.
func (s *session) send(code int, write func(io.Writer) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCode = code
	if s.replyErr != nil {
		return
	}

	if s.server.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.writeTimeout))
		defer s.conn.SetWriteDeadline(time.Time{})
	}

	err := write(s.writer)
	if err == nil {
		err = s.writer.Flush()
	}
	if err != nil {
		s.replyErr = err
		s.server.logger.Debug("reply_failed",
			"session_id", s.sessionID,
			"code", code,
			"error", err,
		)
	}
}

// replyFailure logs a driver failure and sends the reply cmd uses for its
// class. The error detail never reaches the client.
func (s *session) replyFailure(cmd, p string, err error) {
	code, text := replyCodeFor(cmd, err)
	s.server.logger.Warn("command_failed",
		"session_id", s.sessionID,
		"remote_ip", s.server.redactIP(s.remoteIP),
		"user", s.user,
		"cmd", cmd,
		"path", s.server.redactPath(p),
		"code", code,
		"error", err,
	)
	s.reply(code, text)
}

// limitReader applies the session and global bandwidth limits to r.
func (s *session) limitReader(r io.Reader) io.Reader {
	r = ratelimit.NewReader(s.ctx, r, s.limiter)
	return ratelimit.NewReader(s.ctx, r, s.server.globalLimiter)
}

// limitWriter applies the session and global bandwidth limits to w.
func (s *session) limitWriter(w io.Writer) io.Writer {
	w = ratelimit.NewWriter(s.ctx, w, s.limiter)
	return ratelimit.NewWriter(s.ctx, w, s.server.globalLimiter)
}

// logTransfer records a finished transfer in the log and the metrics.
func (s *session) logTransfer(op, p string, bytes int64, duration time.Duration) {
	throughputMBps := float64(0)
	if duration.Seconds() > 0 {
		throughputMBps = float64(bytes) / duration.Seconds() / 1024 / 1024
	}

	s.server.logger.Info("transfer_complete",
		"session_id", s.sessionID,
		"remote_ip", s.server.redactIP(s.remoteIP),
		"user", s.user,
		"operation", op,
		"path", s.server.redactPath(p),
		"bytes", bytes,
		"duration_ms", duration.Milliseconds(),
		"throughput_mbps", throughputMBps,
	)

	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordTransfer(op, bytes, duration)
	}
}

// replyCodeFor maps a driver failure of cmd to the reply sent to the client.
func replyCodeFor(cmd string, err error) (int, string) {
	code := errorCode(err)
	text := "Requested action not taken."
	switch code {
	case errors.CodeNotFound:
		text = "No such file or directory."
	case errors.CodeAlreadyExists:
		text = "File exists."
	case errors.CodeUnauthorized, errors.CodeForbidden:
		text = "Permission denied."
	case errors.CodeInvalidInput:
		text = "Is a directory."
	}

	switch cmd {
	case "MKD":
		if code == errors.CodeAlreadyExists {
			return 553, text
		}
	case "SIZE":
		return 450, text
	case "RETR":
		if code != errors.CodeUnauthorized && code != errors.CodeForbidden {
			return 551, "File not available."
		}
	}
	return 550, text
}
