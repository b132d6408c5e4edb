package server

// Predefined command groups for use with WithDisableCommands.
//
// Example usage:
//
//	// Create a read-only server
//	srv, _ := server.NewServer(":21",
//	    server.WithDriver(driver),
//	    server.WithDisableCommands(server.WriteCommands...),
//	)
var (
	// WriteCommands contains all commands that modify storage.
	//
	// Commands: STOR, DELE, RMD, MKD, RNFR, RNTO
	//
	// Use case: Disable these to publish a bucket or directory without
	// allowing uploads or modifications.
	WriteCommands = []string{
		"STOR", // Store file
		"DELE", // Delete file
		"RMD",  // Remove directory
		"MKD",  // Make directory
		"RNFR", // Rename from
		"RNTO", // Rename to
	}

	// SecurityCommands contains the TLS negotiation commands.
	//
	// Commands: AUTH, PBSZ, PROT
	//
	// Use case: Disable on servers that are only reachable through a trusted
	// network and never offer FTPS.
	SecurityCommands = []string{
		"AUTH",
		"PBSZ",
		"PROT",
	}
)
