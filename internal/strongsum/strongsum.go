// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package strongsum computes the strong (MD4) block checksum used to
// confirm a weak-checksum hit.
package strongsum

import (
	"golang.org/x/crypto/md4"
)

// Size is the full MD4 digest size in bytes. Control files only ever
// store a prefix of this (3..16 bytes, see §4.2).
const Size = 16

// Block returns the MD4 digest of data, zero-padded up to blockSize if
// data is shorter (the final block of a file is always hashed at full
// blockSize with trailing zero padding).
func Block(data []byte, blockSize int) [Size]byte {
	var padded []byte
	if len(data) < blockSize {
		padded = make([]byte, blockSize)
		copy(padded, data)
	} else {
		padded = data
	}

	h := md4.New()
	h.Write(padded)
	var out [Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Match reports whether the leading n bytes of a freshly computed
// digest equal the leading n bytes of a stored signature, where n is
// the control-file-declared checksum_bytes. Only a prefix comparison
// is ever correct: control files with checksum_bytes < 16 never store
// the remainder of the digest.
func Match(computed [Size]byte, stored []byte) bool {
	n := len(stored)
	if n > Size {
		n = Size
	}
	for i := 0; i < n; i++ {
		if computed[i] != stored[i] {
			return false
		}
	}
	return true
}
