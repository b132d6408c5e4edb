package server

import (
	"strconv"
	"strings"
)

func (s *session) handleSIZE(arg string) {
	if arg == "" {
		s.reply(553, "File name required.")
		return
	}
	target := ResolvePath(s.cwd, arg)
	size, err := s.server.driver.FileSize(s.ctx, target)
	if err != nil {
		s.replyFailure("SIZE", target, err)
		return
	}
	s.reply(213, strconv.FormatInt(size, 10))
}

func (s *session) handleFEAT(_ string) {
	features := []string{"PASV", "SIZE"}
	if s.server.tlsConfig != nil {
		features = append(features, "AUTH TLS", "PBSZ", "PROT")
	}
	s.replyLines(211, "Features:", features, "End")
}

// handleTYPE accepts ASCII and image types. Data is always sent as is.
func (s *session) handleTYPE(arg string) {
	fields := strings.Fields(strings.ToUpper(arg))
	if len(fields) == 0 {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	switch fields[0] {
	case "A", "I", "L":
		s.reply(200, "Type set to "+fields[0]+".")
	default:
		s.reply(504, "Type not supported.")
	}
}

func (s *session) handleSYST(_ string) {
	s.reply(215, s.server.serverName)
}

func (s *session) handleNOOP(_ string) {
	s.reply(200, "OK.")
}
