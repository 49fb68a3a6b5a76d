// Package frame implements the length-prefixed, self-describing packet
// codec that underlies every connection in the fabric: a one-byte
// extension length, the extension tag itself, a four-byte little-endian
// signed meta length, and the meta body.
package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	// MaxExtLen is the largest extension tag encodable in one byte.
	MaxExtLen = 255
	// MaxMetaLen is the largest meta payload a signed 32-bit length field can carry.
	MaxMetaLen = 1<<31 - 1
)

// EncodingError is returned by Encode when ext or meta cannot be represented
// in the wire format. It never crosses the wire; it is purely local to the
// encoding caller.
type EncodingError struct {
	Reason string
}

func (e *EncodingError) Error() string { return "frame: encoding error: " + e.Reason }

// ProtocolError is returned by Decode/DecodeHeader on a malformed or
// truncated header. Receiving one closes the affected connection only.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("frame: protocol error: %s: %v", e.Reason, e.Err)
	}
	return "frame: protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Header is the decoded fixed-size portion of a frame: the extension tag
// and the length of the meta body that follows it on the stream.
type Header struct {
	Ext     string
	MetaLen int32
}

// Encode renders a full frame (header + meta) to bytes.
func Encode(ext string, meta []byte) ([]byte, error) {
	extBytes := []byte(ext)
	if len(extBytes) > MaxExtLen {
		return nil, &EncodingError{Reason: fmt.Sprintf("extension length %d exceeds %d", len(extBytes), MaxExtLen)}
	}
	if len(meta) > MaxMetaLen {
		return nil, &EncodingError{Reason: fmt.Sprintf("meta length %d exceeds %d", len(meta), MaxMetaLen)}
	}
	if !utf8.Valid(extBytes) {
		return nil, &EncodingError{Reason: "extension is not valid UTF-8"}
	}

	out := make([]byte, 0, 1+len(extBytes)+4+len(meta))
	out = append(out, byte(len(extBytes)))
	out = append(out, extBytes...)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(int32(len(meta))))
	out = append(out, lenBuf[:]...)
	out = append(out, meta...)
	return out, nil
}

// EncodeHeader renders just ext_len|ext|meta_len, without the meta body,
// for callers that stream the body themselves.
func EncodeHeader(ext string, metaLen int) ([]byte, error) {
	extBytes := []byte(ext)
	if len(extBytes) > MaxExtLen {
		return nil, &EncodingError{Reason: fmt.Sprintf("extension length %d exceeds %d", len(extBytes), MaxExtLen)}
	}
	if metaLen < 0 || metaLen > MaxMetaLen {
		return nil, &EncodingError{Reason: fmt.Sprintf("meta length %d out of range", metaLen)}
	}
	if !utf8.Valid(extBytes) {
		return nil, &EncodingError{Reason: "extension is not valid UTF-8"}
	}

	out := make([]byte, 0, 1+len(extBytes)+4)
	out = append(out, byte(len(extBytes)))
	out = append(out, extBytes...)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(int32(metaLen)))
	out = append(out, lenBuf[:]...)
	return out, nil
}

// DecodeHeader reads exactly ext_len|ext|meta_len from r and returns it,
// leaving the meta body unread on r for the caller to consume via
// StreamBody or a direct io.ReadFull.
func DecodeHeader(r io.Reader) (Header, error) {
	var extLenByte [1]byte
	if _, err := io.ReadFull(r, extLenByte[:]); err != nil {
		return Header{}, &ProtocolError{Reason: "short read on ext_len", Err: err}
	}
	extLen := int(extLenByte[0])

	extBuf := make([]byte, extLen)
	if extLen > 0 {
		if _, err := io.ReadFull(r, extBuf); err != nil {
			return Header{}, &ProtocolError{Reason: "short read on ext", Err: err}
		}
	}
	if !utf8.Valid(extBuf) {
		return Header{}, &ProtocolError{Reason: "ext is not valid UTF-8"}
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Header{}, &ProtocolError{Reason: "short read on meta_len", Err: err}
	}
	metaLen := int32(binary.LittleEndian.Uint32(lenBuf[:]))
	if metaLen < 0 {
		return Header{}, &ProtocolError{Reason: fmt.Sprintf("negative meta_len %d", metaLen)}
	}

	return Header{Ext: string(extBuf), MetaLen: metaLen}, nil
}

// Decode reads one complete frame (header + meta) from r.
func Decode(r io.Reader) (ext string, meta []byte, err error) {
	h, err := DecodeHeader(r)
	if err != nil {
		return "", nil, err
	}
	meta = make([]byte, h.MetaLen)
	if h.MetaLen > 0 {
		if _, err := io.ReadFull(r, meta); err != nil {
			return "", nil, &ProtocolError{Reason: "short read on meta body", Err: err}
		}
	}
	return h.Ext, meta, nil
}

// StreamBody copies exactly metaLen bytes from r to w, in increments of at
// most chunkHint bytes, never reading past metaLen. chunkHint <= 0 uses a
// reasonable default.
func StreamBody(r io.Reader, metaLen int, w io.Writer, chunkHint int) (int64, error) {
	if metaLen < 0 {
		return 0, &ProtocolError{Reason: fmt.Sprintf("negative meta_len %d", metaLen)}
	}
	if chunkHint <= 0 {
		chunkHint = 32 * 1024
	}
	remaining := int64(metaLen)
	var written int64
	buf := make([]byte, chunkHint)
	for remaining > 0 {
		n := int64(len(buf))
		if n > remaining {
			n = remaining
		}
		nr, err := io.ReadFull(r, buf[:n])
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
		}
		if err != nil {
			return written, &ProtocolError{Reason: "short read streaming body", Err: err}
		}
		remaining -= n
	}
	return written, nil
}

// BufferedReader wraps r in a *bufio.Reader sized for frame-at-a-time
// decoding, matching the buffering the broker and mux layers expect on a
// raw net.Conn.
func BufferedReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 64*1024)
}
