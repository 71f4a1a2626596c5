// Copyright 2024 The Parca Authors
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

package record

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated is returned when decoding would read past the size
	// declared by the record header.
	ErrTruncated = errors.New("record truncated")
	// ErrUnsupportedFeatureCombination is returned when the sample type bits
	// imply a layout the codec cannot represent.
	ErrUnsupportedFeatureCombination = errors.New("unsupported feature combination")
	// ErrInvalidSize is returned for structurally impossible sizes. The
	// stream cannot be decoded past such a record.
	ErrInvalidSize = errors.New("invalid record size")
	// ErrRecordTooLarge is returned when encoding a record whose size does
	// not fit in the header.
	ErrRecordTooLarge = errors.New("record too large")
	// ErrStreamCorrupt is returned by Reader once no further record can be
	// located.
	ErrStreamCorrupt = errors.New("record stream corrupt")
)

// DecodeError describes where a record failed to decode.
type DecodeError struct {
	Type   Type
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s record at offset %d: %v", e.Type, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err leaves the stream in an undecodable state.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidSize) || errors.Is(err, ErrStreamCorrupt)
}
