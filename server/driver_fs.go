package server

import (
	"context"
	"io"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"
)

// FSDriver implements Driver on top of a go-billy filesystem, so the same
// code serves a directory on disk (osfs) and an in-memory tree (memfs).
//
// Default behavior (no options):
//   - Allows anonymous login ("ftp" or "anonymous" users only)
//   - Read-write access for everyone who logs in
//   - All operations are confined to the filesystem's root
type FSDriver struct {
	fs billy.Filesystem

	// authenticator validates credentials. If nil, only anonymous logins
	// are accepted, unless disableAnonymous is set.
	authenticator func(user, pass string) error

	disableAnonymous bool
	readOnly         bool
	owner, group     string
}

var _ Driver = (*FSDriver)(nil)

// FSDriverOption is a functional option for configuring an FSDriver.
type FSDriverOption func(*FSDriver)

// NewFSDriver creates a driver serving fs.
//
// With custom authentication:
//
//	driver := server.NewFSDriver(memfs.New(),
//	    server.WithAuthenticator(func(user, pass string) error {
//	        if user == "admin" && pass == "secret" {
//	            return nil
//	        }
//	        return errors.New(errors.CodeUnauthorized, "login incorrect")
//	    }))
func NewFSDriver(fs billy.Filesystem, options ...FSDriverOption) *FSDriver {
	d := &FSDriver{fs: fs}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// NewLocalDriver creates a driver serving the directory root. Paths are
// bound to root: symlinks and ".." cannot escape it.
func NewLocalDriver(root string, options ...FSDriverOption) *FSDriver {
	return NewFSDriver(osfs.New(root, osfs.WithBoundOS()), options...)
}

// NewMemoryDriver creates a driver serving an empty in-memory filesystem.
func NewMemoryDriver(options ...FSDriverOption) *FSDriver {
	return NewFSDriver(memfs.New(), options...)
}

// WithAuthenticator sets the function validating USER/PASS pairs. It should
// return an error coded errors.CodeUnauthorized for bad credentials.
func WithAuthenticator(fn func(user, pass string) error) FSDriverOption {
	return func(d *FSDriver) {
		d.authenticator = fn
	}
}

// WithDisableAnonymous rejects every login when no authenticator is set.
func WithDisableAnonymous(disable bool) FSDriverOption {
	return func(d *FSDriver) {
		d.disableAnonymous = disable
	}
}

// WithReadOnly makes every modifying operation fail with CodeForbidden.
func WithReadOnly(readOnly bool) FSDriverOption {
	return func(d *FSDriver) {
		d.readOnly = readOnly
	}
}

// WithOwner sets the owner and group shown in listings.
func WithOwner(owner, group string) FSDriverOption {
	return func(d *FSDriver) {
		d.owner = owner
		d.group = group
	}
}

// Filesystem returns the underlying billy filesystem.
func (d *FSDriver) Filesystem() billy.Filesystem {
	return d.fs
}

func (d *FSDriver) Authenticate(_ context.Context, user, pass string) error {
	if d.authenticator != nil {
		return d.authenticator(user, pass)
	}
	if d.disableAnonymous {
		return errors.New(errors.CodeUnauthorized, "anonymous login disabled")
	}
	if user != "ftp" && user != "anonymous" {
		return errors.New(errors.CodeUnauthorized, "only anonymous login allowed")
	}
	return nil
}

func (d *FSDriver) ChangeDir(_ context.Context, p string) error {
	info, err := d.fs.Stat(p)
	if err != nil {
		return classify(err, "stat "+p)
	}
	if !info.IsDir() {
		return errors.Newf(errors.CodeNotFound, "%s is not a directory", p)
	}
	return nil
}

func (d *FSDriver) DirContents(_ context.Context, p string) ([]Item, error) {
	infos, err := d.fs.ReadDir(p)
	if err != nil {
		return nil, classify(err, "read dir "+p)
	}
	items := make([]Item, 0, len(infos))
	for _, info := range infos {
		items = append(items, Item{
			Name:    info.Name(),
			Owner:   d.owner,
			Group:   d.group,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Mode:    info.Mode().Perm(),
			IsDir:   info.IsDir(),
		})
	}
	slices.SortFunc(items, func(a, b Item) int { return strings.Compare(a.Name, b.Name) })
	return items, nil
}

func (d *FSDriver) FileSize(_ context.Context, p string) (int64, error) {
	info, err := d.fs.Stat(p)
	if err != nil {
		return 0, classify(err, "stat "+p)
	}
	if info.IsDir() {
		return 0, ErrIsDirectory
	}
	return info.Size(), nil
}

func (d *FSDriver) GetFile(_ context.Context, p string) (io.ReadCloser, error) {
	info, err := d.fs.Stat(p)
	if err != nil {
		return nil, classify(err, "stat "+p)
	}
	if info.IsDir() {
		return nil, ErrIsDirectory
	}
	f, err := d.fs.Open(p)
	if err != nil {
		return nil, classify(err, "open "+p)
	}
	return f, nil
}

// PutFile writes to a temporary file next to p and renames it into place,
// so a failed upload never truncates an existing file.
func (d *FSDriver) PutFile(_ context.Context, p string, r io.Reader) (int64, error) {
	if d.readOnly {
		return 0, errReadOnly
	}
	dir := path.Dir(p)
	if err := d.checkDir(dir); err != nil {
		return 0, err
	}
	if info, err := d.fs.Stat(p); err == nil && info.IsDir() {
		return 0, ErrIsDirectory
	}

	tmpName := path.Join(dir, ".upload-"+uuid.NewString())
	tmp, err := d.fs.OpenFile(tmpName, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, classify(err, "create "+tmpName)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = d.fs.Remove(tmpName)
		return n, errors.Wrapf(err, errors.CodeUnknown, "write %s", p)
	}
	// Rename doesn't replace an existing file on every filesystem.
	if _, err := d.fs.Stat(p); err == nil {
		if err := d.fs.Remove(p); err != nil {
			_ = d.fs.Remove(tmpName)
			return n, classify(err, "replace "+p)
		}
	}
	if err := d.fs.Rename(tmpName, p); err != nil {
		_ = d.fs.Remove(tmpName)
		return n, classify(err, "rename upload to "+p)
	}
	return n, nil
}

func (d *FSDriver) DeleteFile(_ context.Context, p string) error {
	if d.readOnly {
		return errReadOnly
	}
	info, err := d.fs.Stat(p)
	if err != nil {
		return classify(err, "stat "+p)
	}
	if info.IsDir() {
		return ErrIsDirectory
	}
	return classify(d.fs.Remove(p), "remove "+p)
}

func (d *FSDriver) DeleteDir(_ context.Context, p string) error {
	if d.readOnly {
		return errReadOnly
	}
	if err := d.checkDir(p); err != nil {
		return err
	}
	return classify(util.RemoveAll(d.fs, p), "remove "+p)
}

func (d *FSDriver) Rename(_ context.Context, fromPath, toPath string) error {
	if d.readOnly {
		return errReadOnly
	}
	if _, err := d.fs.Stat(fromPath); err != nil {
		return classify(err, "stat "+fromPath)
	}
	if _, err := d.fs.Stat(toPath); err == nil {
		return errors.Newf(errors.CodeAlreadyExists, "%s already exists", toPath)
	}
	if err := d.checkDir(path.Dir(toPath)); err != nil {
		return err
	}
	return classify(d.fs.Rename(fromPath, toPath), "rename "+fromPath)
}

func (d *FSDriver) MakeDir(_ context.Context, p string) error {
	if d.readOnly {
		return errReadOnly
	}
	if _, err := d.fs.Stat(p); err == nil {
		return errors.Newf(errors.CodeAlreadyExists, "%s already exists", p)
	}
	if err := d.checkDir(path.Dir(p)); err != nil {
		return err
	}
	return classify(d.fs.MkdirAll(p, 0o755), "mkdir "+p)
}

// checkDir fails with CodeNotFound unless p is an existing directory.
func (d *FSDriver) checkDir(p string) error {
	info, err := d.fs.Stat(p)
	if err != nil {
		return classify(err, "stat "+p)
	}
	if !info.IsDir() {
		return errors.Newf(errors.CodeNotFound, "%s is not a directory", p)
	}
	return nil
}

var errReadOnly = errors.New(errors.CodeForbidden, "filesystem is read-only")

// classify wraps a filesystem error with the platform code matching it.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	code := errors.CodeUnknown
	switch {
	case errors.Is(err, os.ErrNotExist):
		code = errors.CodeNotFound
	case errors.Is(err, os.ErrExist):
		code = errors.CodeAlreadyExists
	case errors.Is(err, os.ErrPermission):
		code = errors.CodeForbidden
	}
	return errors.Wrap(err, code, msg)
}
