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
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.eurecom.fr/open-exposure/coresim/work-simulator/internal/frame"
)

var (
	peerA = netip.MustParseAddrPort("10.1.0.1:50000")
	peerB = netip.MustParseAddrPort("10.1.0.2:50000")
)

func responses(frames []Frame) []string {
	var out []string
	for _, f := range frames {
		if r, ok := frame.Respond(f.Payload); ok {
			out = append(out, string(r))
		}
	}
	return out
}

func TestTextReassembly(t *testing.T) {
	r := NewReassembler(false)

	frames, err := r.OnBytesReceived(peerA, []byte("[hello]"))
	require.NoError(t, err)
	assert.Equal(t, []string{frame.AcceptedResponse}, responses(frames))

	frames, err = r.OnBytesReceived(peerA, []byte("[]"))
	require.NoError(t, err)
	assert.Equal(t, []string{frame.RefusedResponse}, responses(frames))
	assert.Zero(t, r.Buffered(peerA))
}

func TestTextReassemblyAcrossChunks(t *testing.T) {
	r := NewReassembler(false)

	frames, err := r.OnBytesReceived(peerA, []byte("[Mess"))
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Equal(t, 5, r.Buffered(peerA))

	frames, err = r.OnBytesReceived(peerA, []byte("age!][x][Mes"))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "[Message!]", string(frames[0].Data))
	assert.Equal(t, "[x]", string(frames[1].Data))
	assert.Nil(t, frames[0].Header)
	assert.Equal(t, 4, r.Buffered(peerA))
}

func TestHeaderReassembly(t *testing.T) {
	r := NewReassembler(true)
	whole, err := frame.NewHeaderFrame(frame.Header{Seq: 7, Size: 20})
	require.NoError(t, err)

	frames, err := r.OnBytesReceived(peerA, whole[:15])
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Equal(t, 15, r.Buffered(peerA))

	frames, err = r.OnBytesReceived(peerA, whole[15:])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Len(t, frames[0].Data, 20)
	assert.Empty(t, frames[0].Payload)
	assert.Equal(t, uint32(7), frames[0].Header.Seq)
	assert.Zero(t, r.Buffered(peerA))
}

func TestHeaderReassemblyManyFrames(t *testing.T) {
	r := NewReassembler(true)
	var stream []byte
	for seq := uint32(0); seq < 3; seq++ {
		b, err := frame.NewHeaderFrame(frame.Header{Seq: seq, Size: 100})
		require.NoError(t, err)
		stream = append(stream, b...)
	}

	frames, err := r.OnBytesReceived(peerA, stream[:250])
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Len(t, frames[1].Payload, 80)
	assert.Equal(t, []string{frame.AcceptedResponse, frame.AcceptedResponse}, responses(frames))

	frames, err = r.OnBytesReceived(peerA, stream[250:])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, uint32(2), frames[0].Header.Seq)
}

func TestMalformedHeaderIsolation(t *testing.T) {
	r := NewReassembler(true)
	good, err := frame.NewHeaderFrame(frame.Header{Seq: 1, Size: 64})
	require.NoError(t, err)
	bad := frame.EncodeHeader(frame.Header{Seq: 1, Size: 0})

	frames, err := r.OnBytesReceived(peerA, append(append([]byte{}, good...), bad...))
	assert.ErrorIs(t, err, frame.ErrMalformedFrame)
	assert.Len(t, frames, 1)
	assert.Equal(t, len(bad), r.Buffered(peerA))

	frames, err = r.OnBytesReceived(peerB, good)
	require.NoError(t, err)
	assert.Len(t, frames, 1)
	assert.Zero(t, r.Buffered(peerB))

	// A stays halted: its bytes are untouched and new ones are discarded
	for i := 0; i < 3; i++ {
		frames, err = r.OnBytesReceived(peerA, good)
		assert.ErrorIs(t, err, frame.ErrMalformedFrame)
		assert.Empty(t, frames)
		assert.Equal(t, len(bad), r.Buffered(peerA))
	}

	assert.Equal(t, []netip.AddrPort{peerA, peerB}, r.Peers())
	r.Drop(peerA)
	assert.Equal(t, []netip.AddrPort{peerB}, r.Peers())
}

func TestDropClearsHaltedPeer(t *testing.T) {
	r := NewReassembler(true)
	good, err := frame.NewHeaderFrame(frame.Header{Seq: 1, Size: 64})
	require.NoError(t, err)

	_, err = r.OnBytesReceived(peerA, frame.EncodeHeader(frame.Header{Size: 0}))
	require.ErrorIs(t, err, frame.ErrMalformedFrame)

	// a new connection from the same address starts clean
	r.Drop(peerA)
	frames, err := r.OnBytesReceived(peerA, good)
	require.NoError(t, err)
	assert.Len(t, frames, 1)
	assert.Zero(t, r.Buffered(peerA))
}

func TestHeaderSmallerThanItself(t *testing.T) {
	r := NewReassembler(true)
	_, err := r.OnBytesReceived(peerA, frame.EncodeHeader(frame.Header{Size: 19}))
	assert.ErrorIs(t, err, frame.ErrMalformedFrame)
}
