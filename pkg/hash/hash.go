// Copyright 2021-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hash fingerprints record files, so that profiles derived from one
// can be traced back to it.
package hash

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/minio/highwayhash"
)

// TODO(brancz): Use own key, this is the example key.
var key = mustDecode("000102030405060708090A0B0C0D0E0FF0E0D0C0B0A090807060504030201000")

func mustDecode(key string) []byte {
	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		panic("Cannot decode hex key: " + err.Error())
	}
	return keyBytes
}

func New() (hash.Hash64, error) {
	h, err := highwayhash.New64(key)
	if err != nil {
		return nil, err
	}

	return h, nil
}

// Reader returns the fingerprint of everything r yields.
func Reader(r io.Reader) (uint64, error) {
	h, err := New()
	if err != nil {
		return 0, err
	}

	_, err = io.Copy(h, r)
	return h.Sum64(), err
}

// TeeReader returns a reader yielding the bytes of r and a function that
// returns the fingerprint of what was read so far.
func TeeReader(r io.Reader) (io.Reader, func() uint64, error) {
	h, err := New()
	if err != nil {
		return nil, nil, err
	}
	return io.TeeReader(r, h), h.Sum64, nil
}

// String formats a fingerprint the way it is shown to users.
func String(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}
