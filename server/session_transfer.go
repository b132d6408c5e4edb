package server

import (
	"fmt"
	"io"
	"net"
	"path"
	"strings"
	"time"
)

// handlePASV replaces any previous data channel with a new listener on the
// interface the client reached us on. The 227 reply can only carry an IPv4
// address: on an IPv6 control connection the listener binds every interface
// and PublicHost supplies the address, or the command fails with 425.
func (s *session) handlePASV(_ string) {
	if s.data != nil {
		s.data.Close()
		s.data = nil
	}

	localIP := net.IPv4zero
	if addr, ok := s.currentConn().LocalAddr().(*net.TCPAddr); ok {
		localIP = addr.IP
	}

	ip := s.server.advertisedIP(localIP).To4()
	if ip == nil {
		s.server.logger.Warn("passive_address_unavailable",
			"session_id", s.sessionID,
			"remote_ip", s.server.redactIP(s.remoteIP),
			"local_ip", localIP.String(),
		)
		s.reply(425, "Can't open passive connection.")
		return
	}

	host := localIP.String()
	if localIP.To4() == nil {
		host = ""
	}

	dc, err := openDataChannel(s.server, host)
	if err != nil {
		s.server.logger.Error("passive_listen_failed",
			"session_id", s.sessionID,
			"remote_ip", s.server.redactIP(s.remoteIP),
			"error", err,
		)
		s.reply(425, "Can't open passive connection.")
		return
	}
	s.data = dc

	s.reply(227, fmt.Sprintf("Entering Passive Mode (%s).", pasvAddress(ip, dc.port())))
}

// takeDataChannel detaches the session's data channel. A channel carries a
// single transfer, so the caller owns and closes it.
func (s *session) takeDataChannel() *dataChannel {
	dc := s.data
	s.data = nil
	return dc
}

// acceptData waits for the client on dc and replies 425 on failure.
func (s *session) acceptData(dc *dataChannel) (net.Conn, bool) {
	conn, err := dc.accept(s.ctx)
	if err != nil {
		s.server.logger.Warn("data_connection_failed",
			"session_id", s.sessionID,
			"remote_ip", s.server.redactIP(s.remoteIP),
			"user", s.user,
			"error", err,
		)
		s.reply(425, "Can't open data connection.")
		return nil, false
	}
	return conn, true
}

// listTarget drops ls-style flags ("-la") some clients send with LIST.
func listTarget(arg string) string {
	if !strings.HasPrefix(arg, "-") {
		return arg
	}
	_, rest, _ := strings.Cut(arg, " ")
	return strings.TrimSpace(rest)
}

func (s *session) handleLIST(arg string) {
	target := ResolvePath(s.cwd, listTarget(arg))

	dc := s.takeDataChannel()
	if dc == nil {
		s.reply(150, "Opening ASCII mode data connection for file list.")
		s.reply(425, "Use PASV first.")
		return
	}
	defer dc.Close()

	items, err := s.server.driver.DirContents(s.ctx, target)
	if err != nil {
		s.replyFailure("LIST", target, err)
		return
	}

	now := s.server.now()
	entries := make([]Item, 0, len(items)+2)
	entries = append(entries,
		Item{Name: ".", IsDir: true, ModTime: now},
		Item{Name: "..", IsDir: true, ModTime: now},
	)
	entries = append(entries, items...)

	s.reply(150, "Opening ASCII mode data connection for file list.")
	conn, ok := s.acceptData(dc)
	if !ok {
		return
	}

	start := time.Now()
	n, err := io.WriteString(s.limitWriter(conn), formatListing(entries, now))
	if cerr := dc.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.reply(426, "Connection closed; transfer aborted.")
		return
	}

	s.logTransfer("LIST", target, int64(n), time.Since(start))
	s.reply(226, "Transfer complete.")
}

func (s *session) handleRETR(arg string) {
	if arg == "" {
		s.reply(553, "File name required.")
		return
	}
	target := ResolvePath(s.cwd, arg)

	dc := s.takeDataChannel()
	if dc != nil {
		defer dc.Close()
	}

	file, err := s.server.driver.GetFile(s.ctx, target)
	if err != nil {
		s.replyFailure("RETR", target, err)
		return
	}
	defer file.Close()

	s.reply(150, fmt.Sprintf("Opening BINARY mode data connection for %s.", path.Base(target)))
	if dc == nil {
		s.reply(425, "Use PASV first.")
		return
	}
	conn, ok := s.acceptData(dc)
	if !ok {
		return
	}

	start := time.Now()
	n, err := io.Copy(s.limitWriter(conn), file)
	if cerr := dc.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.server.logger.Warn("transfer_failed",
			"session_id", s.sessionID,
			"remote_ip", s.server.redactIP(s.remoteIP),
			"user", s.user,
			"operation", "RETR",
			"path", s.server.redactPath(target),
			"bytes", n,
			"error", err,
		)
		s.reply(426, "Connection closed; transfer aborted.")
		return
	}

	s.logTransfer("RETR", target, n, time.Since(start))
	s.reply(226, "Transfer complete.")
}

// dataReader remembers the first error of the data connection so a failed
// upload can be told apart from a failing driver.
type dataReader struct {
	r   io.Reader
	err error
}

func (d *dataReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if err != nil && err != io.EOF && d.err == nil {
		d.err = err
	}
	return n, err
}

func (s *session) handleSTOR(arg string) {
	if arg == "" {
		s.reply(553, "File name required.")
		return
	}
	target := ResolvePath(s.cwd, arg)

	dc := s.takeDataChannel()
	s.reply(150, "Ok to send data.")
	if dc == nil {
		s.reply(425, "Use PASV first.")
		return
	}
	defer dc.Close()

	conn, ok := s.acceptData(dc)
	if !ok {
		return
	}

	start := time.Now()
	src := &dataReader{r: s.limitReader(conn)}
	n, err := s.server.driver.PutFile(s.ctx, target, src)
	dc.Close()

	if src.err != nil {
		s.server.logger.Warn("transfer_failed",
			"session_id", s.sessionID,
			"remote_ip", s.server.redactIP(s.remoteIP),
			"user", s.user,
			"operation", "STOR",
			"path", s.server.redactPath(target),
			"bytes", n,
			"error", src.err,
		)
		s.reply(426, "Connection closed; transfer aborted.")
		return
	}
	if err != nil {
		s.replyFailure("STOR", target, err)
		return
	}

	s.logTransfer("STOR", target, n, time.Since(start))
	s.reply(226, "Transfer complete.")
}
