package server

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// LineBreak terminates every control reply line and separates the lines of a
// directory listing.
const LineBreak = "\r\n"

// sixMonths is the age after which listing stamps show the year instead of
// the time of day, like ls(1).
const sixMonths = 182 * 24 * time.Hour

// writeReply writes a single-line reply.
func writeReply(w io.Writer, code int, message string) error {
	_, err := fmt.Fprintf(w, "%d %s%s", code, message, LineBreak)
	return err
}

// writeMultiline writes a multi-line reply: the header line with a dash after
// the code, each body line indented by one space, and a closing line with
// the code followed by a space.
func writeMultiline(w io.Writer, code int, header string, lines []string, footer string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%d-%s%s", code, header, LineBreak)
	for _, line := range lines {
		b.WriteString(" " + line + LineBreak)
	}
	fmt.Fprintf(&b, "%d %s%s", code, footer, LineBreak)
	_, err := io.WriteString(w, b.String())
	return err
}

// formatListing renders items in the Unix long listing format, one line per
// item, each terminated by LineBreak.
func formatListing(items []Item, now time.Time) string {
	var b strings.Builder
	for _, item := range items {
		b.WriteString(formatListLine(item, now))
		b.WriteString(LineBreak)
	}
	return b.String()
}

// formatListLine renders one item, e.g.
//
//	-rwxr-xr-x 1 owner  group           25 Mar 04 10:15 one.txt
func formatListLine(item Item, now time.Time) string {
	owner := item.Owner
	if owner == "" {
		owner = "owner"
	}
	group := item.Group
	if group == "" {
		group = "group"
	}
	size := item.Size
	if item.IsDir {
		size = 0
	}
	return fmt.Sprintf("%s 1 %-6s %-6s %11d %s %s",
		permissionString(item), owner, group, size, listStamp(item.ModTime, now), item.Name)
}

// permissionString renders the type flag and rwx triplets of an item.
func permissionString(item Item) string {
	mode := item.Mode.Perm()
	if mode == 0 {
		mode = 0o755
	}

	const rwx = "rwxrwxrwx"
	b := make([]byte, 10)
	b[0] = '-'
	if item.IsDir {
		b[0] = 'd'
	}
	for i := 0; i < 9; i++ {
		if mode&(1<<uint(8-i)) != 0 {
			b[i+1] = rwx[i]
		} else {
			b[i+1] = '-'
		}
	}
	return string(b)
}

// listStamp returns "Jan 02 15:04" for recent times and "Jan 02  2006" for
// times more than six months away from now.
func listStamp(t, now time.Time) string {
	if t.IsZero() {
		t = now
	}
	if d := now.Sub(t); d > sixMonths || d < -sixMonths {
		return t.Format("Jan 02  2006")
	}
	return t.Format("Jan 02 15:04")
}

// pasvAddress encodes an IPv4 address and port in the h1,h2,h3,h4,p1,p2 form
// used by the 227 reply. Addresses that aren't IPv4 are sent as 0,0,0,0.
func pasvAddress(ip []byte, port int) string {
	h := []byte{0, 0, 0, 0}
	if len(ip) == 4 {
		h = ip
	}
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", h[0], h[1], h[2], h[3], port/256, port%256)
}
