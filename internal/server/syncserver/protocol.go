// Package syncserver implements the snapshot transfer protocol: a follower
// pulls a leader shard's latest checkpoint as chunked file reads to bootstrap
// or resynchronize a replica.
//
// Requests and responses are msgpack records behind a 4-byte big-endian
// length frame. The protocol is stateless per request; no server-side cursor
// exists, so any range of an unchanged snapshot generation may be re-requested
// after a failure.
package syncserver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxFrameSize bounds one framed message. Requests are tiny; responses carry
// at most one read block plus headers.
const maxFrameSize = 16 << 20

// RequestType distinguishes the two request kinds.
type RequestType uint8

const (
	// RequestMeta asks for the current snapshot uuid and file list.
	RequestMeta RequestType = 1
	// RequestFile asks for a byte range of one snapshot file.
	RequestFile RequestType = 2
)

// Code is the response status.
type Code uint8

const (
	CodeOK  Code = 0
	CodeErr Code = 1
)

// Common errors
var (
	ErrFrameTooLarge = errors.New("syncserver: frame exceeds size limit")
	ErrBadRequest    = errors.New("syncserver: malformed request")
)

// FileRequest is the file-range payload of a RequestFile request.
type FileRequest struct {
	Filename string `msgpack:"filename"`
	Offset   uint64 `msgpack:"offset"`
	Count    uint64 `msgpack:"count"`
}

// Request is one framed request.
type Request struct {
	Type    RequestType  `msgpack:"type"`
	DB      string       `msgpack:"db_name"`
	ShardID uint32       `msgpack:"shard_id"`
	File    *FileRequest `msgpack:"file_req,omitempty"`
}

// MetaResponse is the metadata payload of a response.
type MetaResponse struct {
	Filenames []string `msgpack:"filenames"`
}

// FileResponse is the file-range payload of a response.
//
// Eof is set when fewer bytes than requested were available. Checksum is the
// hex MD5 of the whole file and is only populated on the terminal read that
// confirmed physical end-of-file; it is empty on every other response.
type FileResponse struct {
	Filename string `msgpack:"filename"`
	Offset   uint64 `msgpack:"offset"`
	Count    uint64 `msgpack:"count"`
	Data     []byte `msgpack:"data"`
	Eof      bool   `msgpack:"eof"`
	Checksum string `msgpack:"checksum"`
}

// Response is one framed response.
type Response struct {
	Type    RequestType   `msgpack:"type"`
	Code    Code          `msgpack:"code"`
	DB      string        `msgpack:"db_name"`
	ShardID uint32        `msgpack:"shard_id"`
	UUID    string        `msgpack:"snapshot_uuid"`
	Meta    *MetaResponse `msgpack:"meta_resp,omitempty"`
	File    *FileResponse `msgpack:"file_resp,omitempty"`
}

// writeFrame serializes v and writes it behind a length prefix.
func writeFrame(w io.Writer, v any) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("syncserver: marshal: %w", err)
	}
	if len(body) > maxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readFrame reads one length-prefixed message body.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// readRequest reads and decodes one request frame.
func readRequest(r io.Reader) (*Request, error) {
	body, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	var req Request
	if err := msgpack.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return &req, nil
}

// readResponse reads and decodes one response frame.
func readResponse(r io.Reader) (*Response, error) {
	body, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := msgpack.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("syncserver: malformed response: %w", err)
	}
	return &resp, nil
}
