package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// FrameMagic prefixes every frame ("JH").
	FrameMagic uint16 = 0x4A48
	// HeaderSize is magic(2) + type(4) + length(4).
	HeaderSize = 10
	// DefaultMaxBody bounds a single frame body.
	DefaultMaxBody = 16 << 20
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrBadMagic      = errors.New("bad frame magic")
	ErrTruncated     = errors.New("stream ended mid-frame")
	ErrInvalidBody   = errors.New("frame body is not valid UTF-8")
)

// ProtocolError reports a malformed stream. The channel it came from is no
// longer usable.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string { return "protocol " + e.Op + ": " + e.Err.Error() }
func (e *ProtocolError) Unwrap() error { return e.Err }

func protoErr(op string, err error) error { return &ProtocolError{Op: op, Err: err} }

// Writer frames packets onto an underlying stream. Each packet is written
// with a single Write call so concurrent senders never interleave.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	maxBody int
}

func NewWriter(w io.Writer, maxBody int) *Writer {
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	return &Writer{w: w, maxBody: maxBody}
}

// WritePacket encodes and writes one frame. It returns the number of bytes
// written so callers can tell a partial write from a clean failure.
func (w *Writer) WritePacket(p Packet) (int, error) {
	if len(p.Body) > w.maxBody {
		return 0, protoErr("write", fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(p.Body), w.maxBody))
	}
	if !utf8.ValidString(p.Body) {
		return 0, protoErr("write", ErrInvalidBody)
	}

	buf := make([]byte, HeaderSize+len(p.Body))
	binary.BigEndian.PutUint16(buf[0:2], FrameMagic)
	binary.BigEndian.PutUint32(buf[2:6], uint32(int32(p.Type)))
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(p.Body)))
	copy(buf[HeaderSize:], p.Body)

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(buf)
}

// Reader decodes frames from an underlying stream.
type Reader struct {
	r       io.Reader
	maxBody int
	header  [HeaderSize]byte
}

func NewReader(r io.Reader, maxBody int) *Reader {
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	return &Reader{r: r, maxBody: maxBody}
}

// ReadPacket blocks until one whole frame is available. A stream that ends
// cleanly between frames returns io.EOF.
func (r *Reader) ReadPacket() (Packet, error) {
	n, err := io.ReadFull(r.r, r.header[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return Packet{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Packet{}, protoErr("read", ErrTruncated)
		}
		return Packet{}, err
	}

	if magic := binary.BigEndian.Uint16(r.header[0:2]); magic != FrameMagic {
		return Packet{}, protoErr("read", fmt.Errorf("%w: 0x%04x", ErrBadMagic, magic))
	}
	typ := MessageType(int32(binary.BigEndian.Uint32(r.header[2:6])))
	size := binary.BigEndian.Uint32(r.header[6:10])
	if uint64(size) > uint64(r.maxBody) {
		return Packet{}, protoErr("read", fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, r.maxBody))
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r.r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Packet{}, protoErr("read", ErrTruncated)
		}
		return Packet{}, err
	}
	if !utf8.Valid(body) {
		return Packet{}, protoErr("read", ErrInvalidBody)
	}
	return Packet{Type: typ, Body: string(body)}, nil
}

// EncodeJob serializes a job request body.
func EncodeJob(msg *JobRequestMessage) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("job request is nil")
	}
	if msg.JobID == uuid.Nil {
		return "", fmt.Errorf("job request missing required field: jobId")
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode job request: %w", err)
	}
	return string(b), nil
}

// DecodeJob parses a job request body.
func DecodeJob(body string) (*JobRequestMessage, error) {
	var msg JobRequestMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return nil, fmt.Errorf("failed to decode job request: %w", err)
	}
	if msg.JobID == uuid.Nil {
		return nil, fmt.Errorf("job request missing required field: jobId")
	}
	return &msg, nil
}

func EncodeCancel(msg JobCancelMessage) (string, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode cancel request: %w", err)
	}
	return string(b), nil
}

// DecodeCancel parses a cancel body. An empty body is accepted because
// shutdown notifications may carry none.
func DecodeCancel(body string) (JobCancelMessage, error) {
	var msg JobCancelMessage
	if body == "" {
		return msg, nil
	}
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return msg, fmt.Errorf("failed to decode cancel request: %w", err)
	}
	return msg, nil
}

func EncodeCompleted(msg JobCompletedMessage) (string, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode job completion: %w", err)
	}
	return string(b), nil
}

func DecodeCompleted(body string) (JobCompletedMessage, error) {
	var msg JobCompletedMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return msg, fmt.Errorf("failed to decode job completion: %w", err)
	}
	return msg, nil
}
