package server

import (
	"path"
	"strings"
)

// ResolvePath turns a client supplied path argument into an absolute virtual
// path, relative to the session's current directory cwd.
//
// An empty argument yields cwd. Arguments starting with "/" are absolute,
// anything else is joined to cwd. The result is cleaned: "." elements and
// duplicate separators are dropped, ".." is resolved and never climbs above
// the root, and there is no trailing separator except for "/" itself.
//
// ResolvePath does no I/O; whether the path exists is up to the Driver.
//
//	ResolvePath("/files", "..")    // "/"
//	ResolvePath("/", "files/")     // "/files"
//	ResolvePath("/files", "/")     // "/"
func ResolvePath(cwd, arg string) string {
	if arg == "" {
		return cwd
	}
	if !strings.HasPrefix(arg, "/") {
		arg = cwd + "/" + arg
	}
	// path.Clean on a rooted path drops ".." at the root, so "/.." is "/".
	return path.Clean(arg)
}
