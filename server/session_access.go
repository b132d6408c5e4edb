package server

func (s *session) handleUSER(user string) {
	if s.authenticated {
		s.reply(500, "Already logged in.")
		return
	}
	if user == "" {
		s.reply(553, "User name required.")
		return
	}
	s.pendingUser = user
	s.hasPendingUser = true
	s.reply(331, "User name okay, need password.")
}

func (s *session) handlePASS(pass string) {
	if s.authenticated {
		// Legacy clients repeat PASS after logging in; accept it.
		s.reply(202, "Already logged in.")
		return
	}
	if !s.hasPendingUser {
		s.reply(530, "Login with USER first.")
		return
	}
	if pass == "" {
		s.reply(553, "Password required.")
		return
	}

	user := s.pendingUser
	s.pendingUser = ""
	s.hasPendingUser = false

	if err := s.server.driver.Authenticate(s.ctx, user, pass); err != nil {
		// Security audit: failed authentication
		s.server.logger.Warn("authentication_failed",
			"session_id", s.sessionID,
			"remote_ip", s.server.redactIP(s.remoteIP),
			"user", user,
			"reason", err.Error(),
		)
		if s.server.metricsCollector != nil {
			s.server.metricsCollector.RecordAuthentication(false, user)
		}
		s.reply(530, "Login incorrect.")
		return
	}

	s.authenticated = true
	s.user = user
	s.server.logger.Info("authentication_success",
		"session_id", s.sessionID,
		"remote_ip", s.server.redactIP(s.remoteIP),
		"user", user,
	)
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordAuthentication(true, user)
	}
	s.reply(230, "User logged in, proceed.")
}

func (s *session) handleQUIT(_ string) {
	s.quit = true
	s.reply(221, "Service closing control connection.")
}
