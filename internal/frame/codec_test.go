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

package frame

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeText(t *testing.T) {
	t.Run("complete frame", func(t *testing.T) {
		frame, next, ok := DecodeText([]byte("[hello][x"))
		require.True(t, ok)
		assert.Equal(t, "[hello]", string(frame))
		assert.Equal(t, 7, next)
	})

	t.Run("no delimiter yet", func(t *testing.T) {
		_, _, ok := DecodeText([]byte("[hel"))
		assert.False(t, ok)
	})

	t.Run("empty frame", func(t *testing.T) {
		frame, next, ok := DecodeText([]byte("[]"))
		require.True(t, ok)
		assert.Equal(t, "[]", string(frame))
		assert.Equal(t, 2, next)
	})
}

func TestEncodeTextCopies(t *testing.T) {
	msg := []byte("[Message!]")
	out := EncodeText(msg)
	msg[1] = 'X'
	assert.Equal(t, "[Message!]", string(out))
}

func TestHeaderLayout(t *testing.T) {
	h := Header{Seq: 7, Timestamp: 3 * time.Second, Size: 512}
	b := EncodeHeader(h)
	require.Len(t, b, HeaderSize)

	// size comes first on the wire
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 2, 0}, b[0:8])
	assert.Equal(t, []byte{0, 0, 0, 7}, b[8:12])

	got, err := PeekHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestPeekHeader(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		err  error
	}{
		{"short buffer", make([]byte, HeaderSize-1), ErrIncomplete},
		{"zero size", EncodeHeader(Header{Seq: 1}), ErrMalformedFrame},
		{"size below header", EncodeHeader(Header{Size: HeaderSize - 1}), ErrMalformedFrame},
		{"exact header", EncodeHeader(Header{Size: HeaderSize}), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PeekHeader(tt.buf)
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestPeekHeaderDoesNotConsume(t *testing.T) {
	buf := append(EncodeHeader(Header{Seq: 3, Size: 24}), 1, 2, 3, 4)
	before := append([]byte(nil), buf...)
	_, err := PeekHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, before, buf)
}

func TestNewHeaderFrame(t *testing.T) {
	t.Run("payload is zero filled", func(t *testing.T) {
		b, err := NewHeaderFrame(Header{Seq: 1, Size: 64})
		require.NoError(t, err)
		require.Len(t, b, 64)
		assert.Equal(t, make([]byte, 64-HeaderSize), b[HeaderSize:])
	})

	t.Run("packet smaller than header", func(t *testing.T) {
		_, err := NewHeaderFrame(Header{Size: 10})
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})
}

func TestRespond(t *testing.T) {
	tests := []struct {
		frame string
		resp  string
		ok    bool
	}{
		{"[hello]", AcceptedResponse, true},
		{"[]", RefusedResponse, true},
		{"]", RefusedResponse, true},
		{"[x]", AcceptedResponse, true},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.frame, func(t *testing.T) {
			resp, ok := Respond([]byte(tt.frame))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.resp, string(resp))
		})
	}
}

func TestParseResponse(t *testing.T) {
	assert.Equal(t, OutcomeAccepted, ParseResponse([]byte("[Accepted]")))
	assert.Equal(t, OutcomeRefused, ParseResponse([]byte("[Refused]")))
	assert.Equal(t, OutcomeUnknown, ParseResponse([]byte("[Maybe]")))
}
