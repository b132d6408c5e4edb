package server

import (
	"bufio"
	"crypto/tls"
	"strconv"
	"strings"
)

// handleAUTH accepts AUTH TLS (RFC 4217). When a TLS configuration is
// installed the control connection is upgraded right after the 234 reply;
// the handshake runs on the next read.
func (s *session) handleAUTH(arg string) {
	if !strings.EqualFold(arg, "TLS") {
		s.reply(504, "Only AUTH TLS is supported.")
		return
	}
	if _, ok := s.currentConn().(*tls.Conn); ok {
		s.reply(503, "TLS already active.")
		return
	}

	s.tlsRequested = true
	s.reply(234, "AUTH TLS successful.")

	if s.server.tlsConfig == nil {
		return
	}

	tlsConn := tls.Server(s.currentConn(), s.server.tlsConfig)

	s.mu.Lock()
	s.conn = tlsConn
	s.lines = newLineReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.mu.Unlock()

	s.server.logger.Debug("tls_upgrade",
		"session_id", s.sessionID,
		"remote_ip", s.server.redactIP(s.remoteIP),
	)
}

// handlePBSZ only accepts a buffer size of 0. Other sizes are acknowledged
// with "200 Failed" and leave PBSZ unaccepted; clients depend on the text.
func (s *session) handlePBSZ(arg string) {
	if !s.tlsRequested {
		s.reply(503, "AUTH TLS required first.")
		return
	}
	size, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		s.reply(501, "Invalid buffer size.")
		return
	}
	if size != 0 {
		s.reply(200, "Failed")
		return
	}
	s.pbszAccepted = true
	s.reply(200, "Success")
}

// handlePROT declines every protection level: data channels are never
// wrapped in TLS.
func (s *session) handlePROT(arg string) {
	if !s.pbszAccepted {
		s.reply(503, "PBSZ required first.")
		return
	}
	switch strings.ToUpper(arg) {
	case "P":
		s.reply(504, "PROT P not supported.")
	case "C":
		s.reply(536, "PROT C not supported.")
	default:
		s.reply(504, "Unknown protection level.")
	}
}
