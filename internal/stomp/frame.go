package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Client and server commands used by this client.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdSend        = "SEND"
	CmdDisconnect  = "DISCONNECT"
	CmdMessage     = "MESSAGE"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
)

var ErrMalformedFrame = errors.New("stomp: malformed frame")

// Header is a single frame header. Order is preserved on the wire and the
// first occurrence of a repeated key wins on lookup.
type Header struct {
	Key   string
	Value string
}

// Frame is one STOMP 1.2 frame.
type Frame struct {
	Command string
	Headers []Header
	Body    []byte
}

func NewFrame(command string, kv ...string) *Frame {
	f := &Frame{Command: command}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers = append(f.Headers, Header{Key: kv[i], Value: kv[i+1]})
	}
	return f
}

// Get returns the value of the first header named key.
func (f *Frame) Get(key string) string {
	for _, h := range f.Headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

// Set replaces the first header named key or appends it.
func (f *Frame) Set(key, value string) {
	for i, h := range f.Headers {
		if h.Key == key {
			f.Headers[i].Value = value
			return
		}
	}
	f.Headers = append(f.Headers, Header{Key: key, Value: value})
}

// Destination is a shorthand for Get("destination").
func (f *Frame) Destination() string { return f.Get("destination") }

// CONNECT and CONNECTED frames never escape header values.
func escapes(command string) bool {
	return command != CmdConnect && command != CmdConnected
}

var (
	headerEscaper   = strings.NewReplacer("\\", "\\\\", "\r", "\\r", "\n", "\\n", ":", "\\c")
	headerUnescaper = strings.NewReplacer("\\r", "\r", "\\n", "\n", "\\c", ":", "\\\\", "\\")
)

// Encode serialises f. A content-length header is added whenever the body is
// non-empty so bodies may contain NUL octets.
func (f *Frame) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')
	esc := escapes(f.Command)
	hasLength := false
	for _, h := range f.Headers {
		if h.Key == "content-length" {
			hasLength = true
		}
		k, v := h.Key, h.Value
		if esc {
			k, v = headerEscaper.Replace(k), headerEscaper.Replace(v)
		}
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 && !hasLength {
		buf.WriteString("content-length:")
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// Decode parses a single frame from data. Leading EOLs are heart-beats and are
// skipped; a payload made only of EOLs yields (nil, nil).
func Decode(data []byte) (*Frame, error) {
	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return nil, nil
	}

	headerEnd := bytes.Index(data, []byte("\n\n"))
	sepLen := 2
	if crlf := bytes.Index(data, []byte("\r\n\r\n")); crlf >= 0 && (headerEnd < 0 || crlf < headerEnd) {
		headerEnd, sepLen = crlf, 4
	}
	if headerEnd < 0 {
		return nil, fmt.Errorf("%w: missing header terminator", ErrMalformedFrame)
	}

	lines := strings.Split(strings.ReplaceAll(string(data[:headerEnd]), "\r\n", "\n"), "\n")
	f := &Frame{Command: lines[0]}
	if f.Command == "" {
		return nil, fmt.Errorf("%w: empty command", ErrMalformedFrame)
	}
	esc := escapes(f.Command)
	for _, line := range lines[1:] {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: bad header line %q", ErrMalformedFrame, line)
		}
		if esc {
			k, v = headerUnescaper.Replace(k), headerUnescaper.Replace(v)
		}
		f.Headers = append(f.Headers, Header{Key: k, Value: v})
	}

	rest := data[headerEnd+sepLen:]
	if cl := f.Get("content-length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad content-length %q", ErrMalformedFrame, cl)
		}
		if len(rest) < n+1 || rest[n] != 0 {
			return nil, fmt.Errorf("%w: body shorter than content-length", ErrMalformedFrame)
		}
		f.Body = rest[:n]
		return f, nil
	}
	nul := bytes.IndexByte(rest, 0)
	if nul < 0 {
		return nil, fmt.Errorf("%w: missing NUL terminator", ErrMalformedFrame)
	}
	f.Body = rest[:nul]
	return f, nil
}
