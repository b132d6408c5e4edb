package server

import (
	"bufio"
	"errors"
	"io"
)

const (
	telnetIAC  = 0xFF // Interpret As Command
	telnetWILL = 0xFB
	telnetWONT = 0xFC
	telnetDO   = 0xFD
	telnetDONT = 0xFE
)

// MaxCommandLength is the maximum length of a command line.
const MaxCommandLength = 4096

var errCommandTooLong = errors.New("command too long")

// lineReader frames the control stream into command lines. Telnet option
// negotiation is dropped and an escaped IAC is kept as a literal 0xFF.
type lineReader struct {
	r *bufio.Reader
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReader(r)}
}

// readLine returns the next line without its terminator. Lines longer than
// MaxCommandLength yield errCommandTooLong.
func (lr *lineReader) readLine() (string, error) {
	var line []byte
	for {
		b, err := lr.r.ReadByte()
		if err != nil {
			return string(line), err
		}

		if b == telnetIAC {
			next, err := lr.r.ReadByte()
			if err != nil {
				return string(line), err
			}
			switch next {
			case telnetIAC:
				// escaped 0xFF, keep it
			case telnetWILL, telnetWONT, telnetDO, telnetDONT:
				// IAC CMD OPT
				if _, err := lr.r.ReadByte(); err != nil {
					return string(line), err
				}
				continue
			default:
				continue
			}
		}

		if b == '\n' {
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			return string(line), nil
		}
		if len(line) >= MaxCommandLength {
			return "", errCommandTooLong
		}
		line = append(line, b)
	}
}
