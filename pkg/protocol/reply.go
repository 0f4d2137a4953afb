package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ReplyKind identifies the frame type of a decoded reply.
type ReplyKind uint8

const (
	KindStatus ReplyKind = iota // +OK, +PONG
	KindError                   // -ERR ..., -NOT_STORED
	KindInteger                 // :n
	KindBulk                    // $n value
	KindMissing                 // $-1
)

// Reply is a decoded server reply.
type Reply struct {
	Text    string // status or error text, or the bulk value
	Integer int64
	Kind    ReplyKind
}

// Err returns the reply as an error for KindError replies and nil otherwise.
func (r Reply) Err() error {
	if r.Kind != KindError {
		return nil
	}
	return &ServerError{Message: r.Text}
}

// ServerError is an error reply received from the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return "server error: " + e.Message }

// ErrMalformedReply is returned by ReadReply for undecodable input.
var ErrMalformedReply = errors.New("malformed reply")

// AppendRequest encodes one request. Storage commands must carry data; other
// commands ignore it.
//
// Example:
//
//	buf := protocol.AppendRequest(nil, "SET", "user:123", []byte("john_doe"))
//	buf = protocol.AppendRequest(buf, "GET", "user:123", nil)
//	conn.Write(buf) // pipelined
func AppendRequest(dst []byte, name, key string, data []byte) []byte {
	name = strings.ToUpper(name)
	dst = append(dst, name...)
	if key != "" {
		dst = append(dst, ' ')
		dst = append(dst, key...)
	}
	if entry, ok := commandTable[name]; ok && entry.kind == kindStore {
		dst = append(dst, ' ')
		dst = strconv.AppendInt(dst, int64(len(data)), 10)
		dst = append(dst, Delimiter...)
		dst = append(dst, data...)
	}
	return append(dst, Delimiter...)
}

// ReadReply decodes one reply frame from r.
func ReadReply(r *bufio.Reader) (Reply, error) {
	line, err := readLine(r)
	if err != nil {
		return Reply{}, err
	}
	if line == "" {
		return Reply{}, fmt.Errorf("%w: empty line", ErrMalformedReply)
	}

	body := line[1:]
	switch line[0] {
	case '+':
		return Reply{Kind: KindStatus, Text: body}, nil
	case '-':
		return Reply{Kind: KindError, Text: body}, nil
	case ':':
		n, err := strconv.ParseInt(body, 10, 64)
		if err != nil {
			return Reply{}, fmt.Errorf("%w: bad integer '%s'", ErrMalformedReply, body)
		}
		return Reply{Kind: KindInteger, Integer: n}, nil
	case '$':
		n, err := strconv.Atoi(body)
		if err != nil || n < -1 || n > MaxDataLength {
			return Reply{}, fmt.Errorf("%w: bad bulk length '%s'", ErrMalformedReply, body)
		}
		if n == -1 {
			return Reply{Kind: KindMissing}, nil
		}
		value := make([]byte, n+len(Delimiter))
		if _, err := io.ReadFull(r, value); err != nil {
			return Reply{}, err
		}
		if string(value[n:]) != Delimiter {
			return Reply{}, fmt.Errorf("%w: bulk value not terminated", ErrMalformedReply)
		}
		return Reply{Kind: KindBulk, Text: string(value[:n])}, nil
	default:
		return Reply{}, fmt.Errorf("%w: unknown frame '%c'", ErrMalformedReply, line[0])
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}
