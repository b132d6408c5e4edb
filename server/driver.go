package server

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/jmgilman/go/errors"
)

// Driver is the interface that must be implemented by a storage backend.
// The server consults it for authentication and for every file system
// operation; it never touches storage itself.
//
// All paths handed to a Driver are absolute virtual paths produced by
// ResolvePath: they start with "/", use forward slashes and never end with
// a separator (except the root "/").
//
// Implementations must be safe for concurrent use, since every session calls
// into the same Driver from its own goroutine.
//
// Error handling:
//   - Return an error with code errors.CodeNotFound (or os.ErrNotExist) when a
//     file or directory doesn't exist
//   - Return errors.CodeAlreadyExists (or os.ErrExist) when creating something
//     that is already there
//   - Return errors.CodeUnauthorized (or os.ErrPermission) for bad credentials
//   - Return errors.CodeInvalidInput when a directory is used where a file is
//     required (see ErrIsDirectory)
//
// The server translates these to the appropriate FTP reply codes.
//
// Example implementation:
//
//	type MyDriver struct{}
//
//	func (d *MyDriver) Authenticate(ctx context.Context, user, pass string) error {
//	    if !validateCredentials(user, pass) {
//	        return errors.New(errors.CodeUnauthorized, "login incorrect")
//	    }
//	    return nil
//	}
type Driver interface {
	// Authenticate validates the user and password.
	Authenticate(ctx context.Context, user, pass string) error

	// ChangeDir reports whether path is an existing directory.
	ChangeDir(ctx context.Context, path string) error

	// DirContents returns the entries of the directory at path.
	// The "." and ".." entries are added by the server and must not be returned.
	DirContents(ctx context.Context, path string) ([]Item, error)

	// FileSize returns the size in bytes of the file at path.
	// Returns ErrIsDirectory if path is a directory.
	FileSize(ctx context.Context, path string) (int64, error)

	// GetFile opens the file at path for reading.
	GetFile(ctx context.Context, path string) (io.ReadCloser, error)

	// PutFile stores everything read from r at path, replacing any existing
	// file, and returns the number of bytes written.
	PutFile(ctx context.Context, path string, r io.Reader) (int64, error)

	// DeleteFile removes the file at path.
	DeleteFile(ctx context.Context, path string) error

	// DeleteDir removes the directory at path and its contents.
	DeleteDir(ctx context.Context, path string) error

	// Rename moves a file or directory.
	Rename(ctx context.Context, fromPath, toPath string) error

	// MakeDir creates a new directory.
	// Returns errors.CodeAlreadyExists if the directory already exists.
	MakeDir(ctx context.Context, path string) error
}

// Item describes one entry of a directory listing.
type Item struct {
	Name    string
	Owner   string
	Group   string
	Size    int64
	ModTime time.Time
	Mode    os.FileMode // permission bits only; 0 renders as 0755
	IsDir   bool
}

// Settings defines passive mode configuration.
type Settings struct {
	// PublicHost is the hostname or IP address advertised in PASV responses.
	// If set to a hostname, the server will resolve it once and use the first
	// IPv4 address found.
	// If empty, the server uses the control connection's local address.
	// Required when behind NAT or in containerized environments.
	PublicHost string

	// PasvMinPort is the minimum port number for passive data connections.
	// If 0, the OS assigns a random port.
	PasvMinPort int

	// PasvMaxPort is the maximum port number for passive data connections.
	// Must be >= PasvMinPort if both are set.
	PasvMaxPort int
}

// ErrIsDirectory is returned by drivers when a file operation targets a directory.
var ErrIsDirectory = errors.New(errors.CodeInvalidInput, "is a directory")

// errorCode classifies a driver error. Standard library sentinels are folded
// into the matching platform codes so drivers can use either.
func errorCode(err error) errors.ErrorCode {
	if err == nil {
		return ""
	}
	if code := errors.GetCode(err); code != errors.CodeUnknown {
		return code
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return errors.CodeNotFound
	case errors.Is(err, os.ErrExist):
		return errors.CodeAlreadyExists
	case errors.Is(err, os.ErrPermission):
		return errors.CodeForbidden
	}
	return errors.CodeUnknown
}
