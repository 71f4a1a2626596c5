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

package hash

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTeeReaderMatchesReader(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte("PERFILE2"), 1024)

	want, err := Reader(bytes.NewReader(data))
	require.NoError(t, err)

	r, sum, err := TeeReader(bytes.NewReader(data))
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Equal(t, want, sum())
}

func TestReaderDistinguishesInputs(t *testing.T) {
	t.Parallel()

	a, err := Reader(strings.NewReader("a"))
	require.NoError(t, err)
	b, err := Reader(strings.NewReader("b"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "00000000000000ff", String(0xff))
	require.Len(t, String(^uint64(0)), 16)
}
