package server

import (
	"fmt"
	"strings"
)

// quotePath doubles embedded quotes as RFC 959 requires for 257 replies.
func quotePath(p string) string {
	return `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
}

func (s *session) handlePWD(_ string) {
	s.reply(257, quotePath(s.cwd)+" is the current directory")
}

func (s *session) handleCWD(arg string) {
	target := ResolvePath(s.cwd, arg)
	if err := s.server.driver.ChangeDir(s.ctx, target); err != nil {
		s.replyFailure("CWD", target, err)
		return
	}
	s.cwd = target
	s.reply(250, "Directory successfully changed.")
}

func (s *session) handleCDUP(_ string) {
	s.handleCWD("..")
}

func (s *session) handleMKD(arg string) {
	if arg == "" {
		s.reply(553, "Directory name required.")
		return
	}
	target := ResolvePath(s.cwd, arg)
	if err := s.server.driver.MakeDir(s.ctx, target); err != nil {
		s.replyFailure("MKD", target, err)
		return
	}
	// Security audit: directory created
	s.server.logger.Info("directory_created",
		"session_id", s.sessionID,
		"remote_ip", s.server.redactIP(s.remoteIP),
		"user", s.user,
		"path", s.server.redactPath(target),
	)
	s.reply(257, fmt.Sprintf("%s created.", quotePath(target)))
}

func (s *session) handleRMD(arg string) {
	if arg == "" {
		s.reply(553, "Directory name required.")
		return
	}
	target := ResolvePath(s.cwd, arg)
	if target == "/" {
		s.reply(550, "Permission denied.")
		return
	}
	if err := s.server.driver.DeleteDir(s.ctx, target); err != nil {
		s.replyFailure("RMD", target, err)
		return
	}
	// Security audit: directory removed
	s.server.logger.Info("directory_removed",
		"session_id", s.sessionID,
		"remote_ip", s.server.redactIP(s.remoteIP),
		"user", s.user,
		"path", s.server.redactPath(target),
	)
	s.reply(250, "Directory removed.")
}

func (s *session) handleDELE(arg string) {
	if arg == "" {
		s.reply(553, "File name required.")
		return
	}
	target := ResolvePath(s.cwd, arg)
	if err := s.server.driver.DeleteFile(s.ctx, target); err != nil {
		s.replyFailure("DELE", target, err)
		return
	}
	// Security audit: file deleted
	s.server.logger.Info("file_deleted",
		"session_id", s.sessionID,
		"remote_ip", s.server.redactIP(s.remoteIP),
		"user", s.user,
		"path", s.server.redactPath(target),
	)
	s.reply(250, "File deleted.")
}

// handleRNFR remembers the source; whether it exists is up to RNTO.
func (s *session) handleRNFR(arg string) {
	if arg == "" {
		s.reply(553, "File name required.")
		return
	}
	s.renameFrom = ResolvePath(s.cwd, arg)
	s.hasRenameFrom = true
	s.reply(350, "Requested file action pending further information.")
}

func (s *session) handleRNTO(arg string) {
	if arg == "" {
		s.reply(553, "File name required.")
		return
	}
	if !s.hasRenameFrom {
		s.reply(503, "Bad sequence of commands. Send RNFR first.")
		return
	}

	from := s.renameFrom
	s.renameFrom = ""
	s.hasRenameFrom = false

	to := ResolvePath(s.cwd, arg)
	if err := s.server.driver.Rename(s.ctx, from, to); err != nil {
		s.replyFailure("RNTO", from, err)
		return
	}
	s.server.logger.Info("file_renamed",
		"session_id", s.sessionID,
		"remote_ip", s.server.redactIP(s.remoteIP),
		"user", s.user,
		"from", s.server.redactPath(from),
		"to", s.server.redactPath(to),
	)
	s.reply(250, "Requested file action successful, file renamed.")
}
