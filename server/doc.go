// Package server implements a small FTP server engine.
//
// # Overview
//
// The server speaks the subset of FTP that common clients need to browse,
// download and upload files:
//   - Login with USER and PASS
//   - Navigation with PWD, CWD and CDUP
//   - Passive mode transfers with PASV, LIST, RETR and STOR
//   - File management with MKD, RMD, DELE, RNFR, RNTO and SIZE
//   - Explicit TLS on the control connection with AUTH TLS, PBSZ and PROT
//
// Storage lives behind the Driver interface. The server resolves every path
// argument to an absolute virtual path and leaves existence, permissions and
// the bytes themselves to the driver.
//
// # Getting Started
//
// The FSDriver serves a go-billy filesystem. NewLocalDriver serves a
// directory on disk, NewMemoryDriver an in-memory tree:
//
//	package main
//
//	import (
//	    "log"
//
//	    "github.com/gonzalop/s3ftpd/server"
//	)
//
//	func main() {
//	    driver := server.NewLocalDriver("/srv/ftp")
//
//	    s, err := server.NewServer(":2121", server.WithDriver(driver))
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    log.Println("Starting FTP server on :2121")
//	    if err := s.ListenAndServe(); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//
// The driver/objstore package adapts object stores (S3, BadgerDB) to Driver.
//
// # Sessions
//
// Each control connection runs one session. Commands are handled strictly
// in order: a command is not read until the previous one has been answered.
// Commands that touch storage or open data connections require a login and
// are answered with 530 before it. Unknown commands, and commands disabled
// with WithDisableCommands, are answered with 502.
//
// A data channel opened by PASV carries exactly one LIST, RETR or STOR and
// is closed afterwards. A new PASV replaces a channel that was never used.
// Transfers are always binary; TYPE is accepted for client compatibility.
//
// # Explicit TLS
//
// With a TLS configuration installed, AUTH TLS upgrades the control
// connection (RFC 4217):
//
//	cert, _ := tls.LoadX509KeyPair("server.crt", "server.key")
//	s, _ := server.NewServer(":21",
//	    server.WithDriver(driver),
//	    server.WithTLS(&tls.Config{Certificates: []tls.Certificate{cert}}),
//	)
//
// Data channels stay in clear: PROT declines every protection level.
//
// # Authentication
//
// FSDriver accepts the "ftp" and "anonymous" users by default. Install an
// authenticator to check real credentials:
//
//	driver := server.NewMemoryDriver(
//	    server.WithAuthenticator(func(user, pass string) error {
//	        if user == "admin" && pass == "secret" {
//	            return nil
//	        }
//	        return errors.New(errors.CodeUnauthorized, "login incorrect")
//	    }),
//	)
//
// The auth package loads users from passwd or YAML files.
//
// # Passive Mode Configuration
//
// Behind NAT or in containers, advertise the public address and pin the
// passive port range:
//
//	s, _ := server.NewServer(":21",
//	    server.WithDriver(driver),
//	    server.WithPassiveSettings(server.Settings{
//	        PublicHost:  "ftp.example.com",
//	        PasvMinPort: 30000,
//	        PasvMaxPort: 30100,
//	    }),
//	)
//
// Docker users: map the port range with -p 30000-30100:30000-30100.
//
// # Troubleshooting
//
// Problem: Passive mode connections fail
//   - Solution: Set PublicHost to your public IP or hostname
//   - Solution: Ensure the firewall allows the passive port range
//
// Problem: Transfers end with "425 Can't open data connection."
//   - Solution: The client did not connect to the passive port within the
//     data timeout; raise it with WithDataTimeout
//
// Problem: Connection refused on port 21
//   - Solution: Port 21 requires root/admin privileges on most systems
//   - Solution: Use a higher port (e.g., :2121) for development
//
// # RFC Compliance
//
// This server implements parts of:
//   - RFC 959 (Base FTP)
//   - RFC 2389 (Feature Negotiation)
//   - RFC 3659 (SIZE)
//   - RFC 4217 (Securing FTP with TLS)
package server
