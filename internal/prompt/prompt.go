// Package prompt implements LobbyBoy's line-edited input and numbered-menu
// picker over an SSH channel. Cancellation (Ctrl-C/Ctrl-D) surfaces as a
// tagged error value the orchestrator matches on.
package prompt

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/lobbyboy-ssh/lobbyboy/internal/lberrors"
)

const (
	del      = 0x7F
	cr       = 0x0D
	ctrlC    = 0x03
	ctrlD    = 0x04
	eraseSeq = "\b\x1b[K"
)

// ReadLine reads one byte at a time from rw until a carriage return,
// editing the in-progress buffer on DEL and echoing every accepted byte:
//   - '\r': echo CRLF, terminate, return the buffer.
//   - DEL (0x7F): if the buffer is non-empty, pop the last byte and echo
//     "\b\x1b[K" to erase it on the client's terminal.
//   - Ctrl-C / Ctrl-D: fail with lberrors.ErrUserCancelled.
//   - anything else: append and echo.
func ReadLine(rw io.ReadWriter) (string, error) {
	var buf []byte
	one := make([]byte, 1)

	for {
		if _, err := io.ReadFull(rw, one); err != nil {
			return "", trace.Wrap(err, "reading input")
		}

		switch b := one[0]; b {
		case cr:
			if _, err := io.WriteString(rw, "\r\n"); err != nil {
				return "", trace.Wrap(err)
			}
			return string(buf), nil
		case del:
			if len(buf) > 0 {
				buf = buf[:len(buf)-1]
				if _, err := io.WriteString(rw, eraseSeq); err != nil {
					return "", trace.Wrap(err)
				}
			}
		case ctrlC, ctrlD:
			return "", lberrors.UserCancelled()
		default:
			buf = append(buf, b)
			if _, err := rw.Write(one); err != nil {
				return "", trace.Wrap(err)
			}
		}
	}
}

// ChooseOption prints optionPrompt (if non-empty), one line per option as
// "  N - <text>", then askPrompt without a trailing newline, reads a line,
// and parses it as an index into options. An out-of-range or
// non-numeric answer prints a retry message and asks again. Returns the
// zero-based index.
func ChooseOption(rw io.ReadWriter, options []string, optionPrompt, askPrompt string) (int, error) {
	if optionPrompt != "" {
		if _, err := fmt.Fprint(rw, optionPrompt, "\r\n"); err != nil {
			return 0, trace.Wrap(err)
		}
	}
	for i, opt := range options {
		if _, err := fmt.Fprintf(rw, "  %d - %s\r\n", i, opt); err != nil {
			return 0, trace.Wrap(err)
		}
	}
	if askPrompt != "" {
		if _, err := fmt.Fprint(rw, askPrompt); err != nil {
			return 0, trace.Wrap(err)
		}
	}

	line, err := ReadLine(rw)
	if err != nil {
		return 0, trace.Wrap(err)
	}

	idx, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || idx < 0 || idx >= len(options) {
		if _, werr := fmt.Fprintf(rw, "invalid selection %q, try again\r\n", line); werr != nil {
			return 0, trace.Wrap(werr)
		}
		return ChooseOption(rw, options, optionPrompt, askPrompt)
	}
	return idx, nil
}
