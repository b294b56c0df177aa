// Copyright 2025 EURECOM
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Contributors:
//   Giulio CAROTA
//   Thomas DU
//   Adlen KSENTINI

// Package frame encodes and decodes the two wire framings exchanged between
// devices and the work server: bracket delimited text messages and the
// fixed size sequence/timestamp/size binary header.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// HeaderSize is the serialized size of a Header: size (8) + seq (4) + ts (8).
const HeaderSize = 20

// TextDelimiter closes a text frame on the wire.
const TextDelimiter = ']'

var (
	// ErrIncomplete means the buffer does not hold a whole frame yet.
	// It is not a failure: the caller waits for more bytes.
	ErrIncomplete = errors.New("incomplete frame")

	// ErrMalformedFrame is returned when a header declares a size of zero
	// or a size smaller than the header itself.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Header is the binary header prepended to every frame when the
// sequence/timestamp/size framing is enabled.
type Header struct {
	Seq       uint32        // per-device sequence number
	Timestamp time.Duration // scheduler time at which the frame was built
	Size      uint64        // total frame size, header included
}

// EncodeText returns the wire form of a text message. The sender adds no
// delimiter of its own: the message is expected to carry its closing ']'.
func EncodeText(msg []byte) []byte {
	return bytes.Clone(msg)
}

// DecodeText returns the first text frame in buf, delimiter included, and
// the index just past it. ok is false when no delimiter is buffered yet.
func DecodeText(buf []byte) (frame []byte, next int, ok bool) {
	idx := bytes.IndexByte(buf, TextDelimiter)
	if idx < 0 {
		return nil, 0, false
	}
	return buf[:idx+1], idx + 1, true
}

// EncodeHeader serializes h in network byte order.
func EncodeHeader(h Header) []byte {
	b := make([]byte, HeaderSize)
	binary.BigEndian.PutUint64(b[0:8], h.Size)
	binary.BigEndian.PutUint32(b[8:12], h.Seq)
	binary.BigEndian.PutUint64(b[12:20], uint64(h.Timestamp))
	return b
}

// PeekHeader reads the header at the start of buf without consuming it.
func PeekHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrIncomplete
	}
	h := Header{
		Size:      binary.BigEndian.Uint64(buf[0:8]),
		Seq:       binary.BigEndian.Uint32(buf[8:12]),
		Timestamp: time.Duration(binary.BigEndian.Uint64(buf[12:20])),
	}
	if h.Size == 0 {
		return h, fmt.Errorf("%w: declared size is zero", ErrMalformedFrame)
	}
	if h.Size < HeaderSize {
		return h, fmt.Errorf("%w: declared size %d is smaller than the %d byte header", ErrMalformedFrame, h.Size, HeaderSize)
	}
	return h, nil
}

// NewHeaderFrame builds a frame of h.Size bytes: the header followed by a
// zero filled payload.
func NewHeaderFrame(h Header) ([]byte, error) {
	if h.Size < HeaderSize {
		return nil, fmt.Errorf("%w: packet size %d cannot hold the %d byte header", ErrMalformedFrame, h.Size, HeaderSize)
	}
	b := make([]byte, h.Size)
	copy(b, EncodeHeader(h))
	return b, nil
}
