// Package objstore serves a flat key/value object store over FTP.
//
// Object stores have no directories, so the driver uses the layout S3
// consoles use: the virtual file /a/b is the key "a/b" and the directory /a
// is every key under the prefix "a/". An empty directory is kept alive by a
// zero-byte marker object stored under the prefix itself.
//
// Storage is reached through the Bucket interface; see the s3 and badger
// sub-packages.
package objstore

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"

	"github.com/gonzalop/s3ftpd/server"
)

// DirContentType is the content type of directory marker objects.
const DirContentType = "application/x-directory"

// Object describes one stored object.
type Object struct {
	Key         string
	Size        int64
	ModTime     time.Time
	ContentType string
}

// Bucket is the minimal object store API the driver needs. Keys are
// relative to the bucket (and any prefix the implementation applies).
//
// Implementations return errors coded errors.CodeNotFound for missing keys
// and must be safe for concurrent use.
type Bucket interface {
	// List returns every object whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Object, error)

	// Head returns the metadata of the object at key.
	Head(ctx context.Context, key string) (Object, error)

	// Get opens the content of the object at key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Put stores r at key, replacing any existing object, and returns the
	// number of bytes stored.
	Put(ctx context.Context, key string, r io.Reader, contentType string) (int64, error)

	// Delete removes the object at key.
	Delete(ctx context.Context, key string) error

	// Copy duplicates the object at src to dst.
	Copy(ctx context.Context, src, dst string) error
}

// Driver implements server.Driver over a Bucket.
type Driver struct {
	bucket       Bucket
	authenticate func(user, pass string) error
	owner, group string
}

var _ server.Driver = (*Driver)(nil)

// Option configures a Driver.
type Option func(*Driver)

// WithAuthenticator sets the credential check. Without one every login is
// rejected.
func WithAuthenticator(fn func(user, pass string) error) Option {
	return func(d *Driver) {
		d.authenticate = fn
	}
}

// WithOwner sets the owner and group shown in listings.
func WithOwner(owner, group string) Option {
	return func(d *Driver) {
		d.owner = owner
		d.group = group
	}
}

// New returns a driver storing files in bucket.
func New(bucket Bucket, opts ...Option) *Driver {
	d := &Driver{bucket: bucket}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// fileKey maps a virtual file path to its key: "/a/b" -> "a/b".
func fileKey(p string) string {
	return strings.TrimPrefix(p, "/")
}

// dirPrefix maps a virtual directory to its key prefix: "/" -> "",
// "/a" -> "a/".
func dirPrefix(p string) string {
	key := fileKey(p)
	if key == "" {
		return ""
	}
	return key + "/"
}

func (d *Driver) Authenticate(_ context.Context, user, pass string) error {
	if d.authenticate == nil {
		return errors.New(errors.CodeUnauthorized, "no credentials configured")
	}
	return d.authenticate(user, pass)
}

// isDir reports whether any object lives under the directory p.
func (d *Driver) isDir(ctx context.Context, p string) (bool, error) {
	if p == "/" {
		return true, nil
	}
	objs, err := d.bucket.List(ctx, dirPrefix(p))
	if err != nil {
		return false, err
	}
	return len(objs) > 0, nil
}

// exists reports whether p names a file or a directory.
func (d *Driver) exists(ctx context.Context, p string) (bool, error) {
	if _, err := d.bucket.Head(ctx, fileKey(p)); err == nil {
		return true, nil
	} else if errors.GetCode(err) != errors.CodeNotFound {
		return false, err
	}
	return d.isDir(ctx, p)
}

func (d *Driver) ChangeDir(ctx context.Context, p string) error {
	ok, err := d.isDir(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Newf(errors.CodeNotFound, "directory %s not found", p)
	}
	return nil
}

// DirContents groups the keys under p by their first path segment. Keys
// with a further "/" become a single directory entry.
func (d *Driver) DirContents(ctx context.Context, p string) ([]server.Item, error) {
	prefix := dirPrefix(p)
	objs, err := d.bucket.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 && p != "/" {
		return nil, errors.Newf(errors.CodeNotFound, "directory %s not found", p)
	}

	var items []server.Item
	seen := make(map[string]bool)
	for _, obj := range objs {
		rest := obj.Key[len(prefix):]
		if rest == "" {
			continue // the directory's own marker
		}
		name, _, isDir := strings.Cut(rest, "/")
		if seen[name] {
			continue
		}
		seen[name] = true

		item := server.Item{
			Name:    name,
			Owner:   d.owner,
			Group:   d.group,
			ModTime: obj.ModTime,
			IsDir:   isDir,
		}
		if !isDir {
			item.Size = obj.Size
		}
		items = append(items, item)
	}
	return items, nil
}

func (d *Driver) FileSize(ctx context.Context, p string) (int64, error) {
	if p == "/" {
		return 0, server.ErrIsDirectory
	}
	obj, err := d.bucket.Head(ctx, fileKey(p))
	if err == nil {
		return obj.Size, nil
	}
	if errors.GetCode(err) != errors.CodeNotFound {
		return 0, err
	}
	if ok, derr := d.isDir(ctx, p); derr != nil {
		return 0, derr
	} else if ok {
		return 0, server.ErrIsDirectory
	}
	return 0, err
}

func (d *Driver) GetFile(ctx context.Context, p string) (io.ReadCloser, error) {
	if p == "/" {
		return nil, server.ErrIsDirectory
	}
	rc, err := d.bucket.Get(ctx, fileKey(p))
	if err == nil || errors.GetCode(err) != errors.CodeNotFound {
		return rc, err
	}
	if ok, derr := d.isDir(ctx, p); derr != nil {
		return nil, derr
	} else if ok {
		return nil, server.ErrIsDirectory
	}
	return nil, err
}

func (d *Driver) PutFile(ctx context.Context, p string, r io.Reader) (int64, error) {
	if ok, err := d.isDir(ctx, p); err != nil {
		return 0, err
	} else if ok {
		return 0, server.ErrIsDirectory
	}
	return d.bucket.Put(ctx, fileKey(p), r, "application/octet-stream")
}

func (d *Driver) DeleteFile(ctx context.Context, p string) error {
	key := fileKey(p)
	if _, err := d.bucket.Head(ctx, key); err != nil {
		return err
	}
	return d.bucket.Delete(ctx, key)
}

// DeleteDir removes every object under p, the marker included.
func (d *Driver) DeleteDir(ctx context.Context, p string) error {
	if p == "/" {
		return errors.New(errors.CodeForbidden, "cannot remove the root directory")
	}
	objs, err := d.bucket.List(ctx, dirPrefix(p))
	if err != nil {
		return err
	}
	if len(objs) == 0 {
		return errors.Newf(errors.CodeNotFound, "directory %s not found", p)
	}
	for _, obj := range objs {
		if err := d.bucket.Delete(ctx, obj.Key); err != nil {
			return err
		}
	}
	return nil
}

// Rename moves a file, or every object of a directory, by copying then
// deleting. Object stores have no atomic rename.
func (d *Driver) Rename(ctx context.Context, fromPath, toPath string) error {
	if fromPath == "/" || toPath == "/" {
		return errors.New(errors.CodeForbidden, "cannot rename the root directory")
	}
	if ok, err := d.exists(ctx, toPath); err != nil {
		return err
	} else if ok {
		return errors.Newf(errors.CodeAlreadyExists, "%s already exists", toPath)
	}

	fromKey := fileKey(fromPath)
	if _, err := d.bucket.Head(ctx, fromKey); err == nil {
		if err := d.bucket.Copy(ctx, fromKey, fileKey(toPath)); err != nil {
			return err
		}
		return d.bucket.Delete(ctx, fromKey)
	} else if errors.GetCode(err) != errors.CodeNotFound {
		return err
	}

	fromPrefix, toPrefix := dirPrefix(fromPath), dirPrefix(toPath)
	if strings.HasPrefix(toPrefix, fromPrefix) {
		return errors.Newf(errors.CodeConflict, "cannot move %s into itself", fromPath)
	}
	objs, err := d.bucket.List(ctx, fromPrefix)
	if err != nil {
		return err
	}
	if len(objs) == 0 {
		return errors.Newf(errors.CodeNotFound, "%s not found", fromPath)
	}
	for _, obj := range objs {
		if err := d.bucket.Copy(ctx, obj.Key, toPrefix+obj.Key[len(fromPrefix):]); err != nil {
			return err
		}
	}
	for _, obj := range objs {
		if err := d.bucket.Delete(ctx, obj.Key); err != nil {
			return err
		}
	}
	return nil
}

// MakeDir stores the directory marker. It fails if anything already lives
// at p, as a file or as a directory.
func (d *Driver) MakeDir(ctx context.Context, p string) error {
	if ok, err := d.exists(ctx, p); err != nil {
		return err
	} else if ok {
		return errors.Newf(errors.CodeAlreadyExists, "%s already exists", p)
	}
	_, err := d.bucket.Put(ctx, dirPrefix(p), strings.NewReader(""), DirContentType)
	return err
}
