// Package wire implements the text frame codec spoken at the transport
// boundary. One transport message carries exactly one frame: a command line,
// zero or more key:value header lines, a blank line, and an optional body.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Command is the frame verb.
type Command string

const (
	CmdConnect    Command = "CONNECT"
	CmdConnected  Command = "CONNECTED"
	CmdSend       Command = "SEND"
	CmdMessage    Command = "MESSAGE"
	CmdError      Command = "ERROR"
	CmdDisconnect Command = "DISCONNECT"
)

// Frame-level headers. Event-level headers ride alongside these untouched.
const (
	HeaderDestination = "destination"
	HeaderMessage     = "message"
)

var (
	ErrEmptyFrame      = errors.New("wire: empty frame")
	ErrUnknownCommand  = errors.New("wire: unknown command")
	ErrMalformedHeader = errors.New("wire: malformed header line")
	ErrHeadersTooLarge = errors.New("wire: headers too large")
	ErrBodyTooLarge    = errors.New("wire: body too large")
	ErrLengthMismatch  = errors.New("wire: content-length does not match body")
)

// Frame is one complete wire message.
type Frame struct {
	Command Command
	Headers map[string]string
	Body    []byte
}

// Limits constrains decode memory use.
type Limits struct {
	MaxHeaderBytes int
	MaxBodyBytes   int
}

func DefaultLimits() Limits {
	return Limits{
		MaxHeaderBytes: 64 * 1024,
		MaxBodyBytes:   8 * 1024 * 1024,
	}
}

func validCommand(c Command) bool {
	switch c {
	case CmdConnect, CmdConnected, CmdSend, CmdMessage, CmdError, CmdDisconnect:
		return true
	}
	return false
}

// Encode renders f to its wire form. Header keys are emitted in sorted order
// so encoding is deterministic.
func Encode(f Frame) ([]byte, error) {
	if !validCommand(f.Command) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, f.Command)
	}

	keys := make([]string, 0, len(f.Headers))
	for k := range f.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString(string(f.Command))
	buf.WriteByte('\n')
	for _, k := range keys {
		v := f.Headers[k]
		if k == "" || strings.ContainsAny(k, ":\n") || strings.ContainsRune(v, '\n') {
			return nil, fmt.Errorf("%w: %q:%q", ErrMalformedHeader, k, v)
		}
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	return buf.Bytes(), nil
}

// Decode parses one wire message within limits.
func Decode(data []byte, limits Limits) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrEmptyFrame
	}

	head, body, found := bytes.Cut(data, []byte("\n\n"))
	if !found {
		return Frame{}, fmt.Errorf("%w: missing blank line", ErrMalformedHeader)
	}
	if limits.MaxHeaderBytes > 0 && len(head) > limits.MaxHeaderBytes {
		return Frame{}, ErrHeadersTooLarge
	}
	if limits.MaxBodyBytes > 0 && len(body) > limits.MaxBodyBytes {
		return Frame{}, ErrBodyTooLarge
	}

	lines := strings.Split(string(head), "\n")
	cmd := Command(lines[0])
	if !validCommand(cmd) {
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownCommand, lines[0])
	}

	headers := make(map[string]string, len(lines)-1)
	for _, line := range lines[1:] {
		key, value, ok := strings.Cut(line, ":")
		if !ok || key == "" {
			return Frame{}, fmt.Errorf("%w: %q", ErrMalformedHeader, line)
		}
		headers[key] = value
	}

	if raw, ok := headers["content-length"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n != len(body) {
			return Frame{}, fmt.Errorf("%w: declared %q, body %d", ErrLengthMismatch, raw, len(body))
		}
	}

	f := Frame{Command: cmd, Headers: headers}
	if len(body) > 0 {
		f.Body = body
	}
	return f, nil
}
