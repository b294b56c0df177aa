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

package server

import (
	"bytes"
	"errors"
	"net/netip"
	"slices"

	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/frame"
)

// Frame is one message extracted from a peer stream.
type Frame struct {
	Header  *frame.Header // nil in text mode
	Data    []byte        // the whole frame as received
	Payload []byte        // Data without the binary header
}

// Reassembler splits the byte stream of every peer into frames. Peer
// buffers are independent: a peer stuck on a malformed header does not
// hold back any other.
type Reassembler struct {
	headerMode bool
	buffers    map[netip.AddrPort][]byte
	halted     map[netip.AddrPort]error
}

func NewReassembler(headerMode bool) *Reassembler {
	return &Reassembler{
		headerMode: headerMode,
		buffers:    make(map[netip.AddrPort][]byte),
		halted:     make(map[netip.AddrPort]error),
	}
}

// OnBytesReceived appends b to the peer buffer and extracts every complete
// frame. On a malformed header it returns the frames extracted before it
// together with frame.ErrMalformedFrame, and leaves the offending bytes in
// the buffer. Later bytes from that peer are discarded until Drop.
func (r *Reassembler) OnBytesReceived(peer netip.AddrPort, b []byte) ([]Frame, error) {
	if err, ok := r.halted[peer]; ok {
		return nil, err
	}
	buf := append(r.buffers[peer], b...)

	var frames []Frame
	var err error
	for {
		f, n, ferr := r.next(buf)
		if ferr != nil {
			if !errors.Is(ferr, frame.ErrIncomplete) {
				err = ferr
				r.halted[peer] = ferr
			}
			break
		}
		frames = append(frames, f)
		buf = buf[n:]
	}

	if len(buf) == 0 {
		buf = nil
	}
	r.buffers[peer] = buf
	return frames, err
}

func (r *Reassembler) next(buf []byte) (Frame, int, error) {
	if !r.headerMode {
		data, n, ok := frame.DecodeText(buf)
		if !ok {
			return Frame{}, 0, frame.ErrIncomplete
		}
		data = bytes.Clone(data)
		return Frame{Data: data, Payload: data}, n, nil
	}

	h, err := frame.PeekHeader(buf)
	if err != nil {
		return Frame{}, 0, err
	}
	if uint64(len(buf)) < h.Size {
		return Frame{}, 0, frame.ErrIncomplete
	}
	data := bytes.Clone(buf[:h.Size])
	return Frame{Header: &h, Data: data, Payload: data[frame.HeaderSize:]}, int(h.Size), nil
}

// Buffered returns the number of bytes waiting in the peer buffer.
func (r *Reassembler) Buffered(peer netip.AddrPort) int {
	return len(r.buffers[peer])
}

func (r *Reassembler) Drop(peer netip.AddrPort) {
	delete(r.buffers, peer)
	delete(r.halted, peer)
}

func (r *Reassembler) Peers() []netip.AddrPort {
	peers := make([]netip.AddrPort, 0, len(r.buffers))
	for peer := range r.buffers {
		peers = append(peers, peer)
	}
	slices.SortFunc(peers, netip.AddrPort.Compare)
	return peers
}
