// Copyright 2025 SnappyData Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package relcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprintEquality(t *testing.T) {
	a := NewFingerprint([]uint64{1, 2, 3}, 7)
	b := NewFingerprint([]uint64{1, 2, 3}, 7)
	require.True(t, a.Equal(b))
	require.Equal(t, a.Hash(), b.Hash())
	require.Equal(t, a.Key(), b.Key())

	tests := []Fingerprint{
		NewFingerprint([]uint64{1, 2}, 7),
		NewFingerprint([]uint64{1, 2, 4}, 7),
		NewFingerprint([]uint64{3, 2, 1}, 7),
		NewFingerprint([]uint64{1, 2, 3}, 8),
		NewFingerprint(nil, 7),
	}
	for _, other := range tests {
		require.False(t, a.Equal(other))
	}
}

func TestFingerprintEncodeDecode(t *testing.T) {
	tests := []Fingerprint{
		NewFingerprint([]uint64{1, 2, 3}, 7),
		NewFingerprint([]uint64{0xdeadbeefcafe, 1}, 0),
		NewFingerprint(nil, 42),
	}
	for _, fp := range tests {
		decoded, err := DecodeFingerprint(fp.Encode())
		require.NoError(t, err)
		require.True(t, fp.Equal(decoded))
		require.Equal(t, fp.Hash(), decoded.Hash())
		require.Equal(t, fp.SourceID(), decoded.SourceID())
		require.Equal(t, fp.ColumnIDs(), decoded.ColumnIDs())
	}
}

func TestFingerprintDecodeErrors(t *testing.T) {
	_, err := DecodeFingerprint(nil)
	require.Error(t, err)
	_, err = DecodeFingerprint([]byte{0, 0, 0, 1, 0})
	require.Error(t, err)

	// Flip a column id bit; the embedded hash no longer matches.
	buf := NewFingerprint([]uint64{9, 10}, 3).Encode()
	buf[11] ^= 1
	_, err = DecodeFingerprint(buf)
	require.Error(t, err)
}

func TestFingerprintImmutableInput(t *testing.T) {
	cols := []uint64{5, 6}
	fp := NewFingerprint(cols, 1)
	cols[0] = 99
	require.Equal(t, []uint64{5, 6}, fp.ColumnIDs())
}
