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

package process

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/require"
)

const testMaps = `00400000-00452000 r-xp 00000000 08:02 173521      /usr/bin/dbus-daemon
00651000-00652000 r--p 00051000 08:02 173521      /usr/bin/dbus-daemon
00e03000-00e24000 rw-p 00000000 00:00 0           [heap]
7f7d7c000000-7f7d7c021000 rwxp 00000000 00:00 0
7f7d7c100000-7f7d7c101000 r-xp 00000000 08:02 1234        /tmp/jit-42.dump
7ffc8cf5d000-7ffc8cf5f000 r-xp 00000000 00:00 0           [vdso]
`

func writeMaps(t *testing.T, root string, pid, content string) {
	t.Helper()
	dir := filepath.Join(root, pid)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maps"), []byte(content), 0o644))
}

func TestProcfsAuthority(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeMaps(t, root, "42", testMaps)
	fs, err := procfs.NewFS(root)
	require.NoError(t, err)

	all := NewProcfsAuthority(fs, false)
	v1, ms, err := all.Maps(42)
	require.NoError(t, err)
	require.Len(t, ms, 6)
	require.Equal(t, uint64(0x400000), ms[0].Start)
	require.Equal(t, ProtRead|ProtExec, ms[0].Flags)
	require.Equal(t, uint64(0x51000), ms[1].Offset)

	// Unchanged maps keep their version.
	v2, _, err := all.Maps(42)
	require.NoError(t, err)
	require.Equal(t, v1, v2)

	writeMaps(t, root, "42", testMaps+"7ffc8cf60000-7ffc8cf61000 r-xp 00000000 00:00 0 [vsyscall]\n")
	v3, ms, err := all.Maps(42)
	require.NoError(t, err)
	require.Greater(t, v3, v2)
	require.Len(t, ms, 7)

	exec := NewProcfsAuthority(fs, true)
	_, ms, err = exec.Maps(42)
	require.NoError(t, err)
	names := make([]string, 0, len(ms))
	for _, m := range ms {
		names = append(names, m.Name)
	}
	require.Equal(t, []string{"/usr/bin/dbus-daemon", "", "[vdso]", "[vsyscall]"}, names)
	require.True(t, ms[1].IsJitted())

	_, _, err = all.Maps(7)
	require.ErrorIs(t, err, ErrProcNotFound)

	all.Forget(42)
	v4, _, err := all.Maps(42)
	require.NoError(t, err)
	require.Greater(t, v4, v3)
}

type staticAuthority struct {
	version uint64
	maps    Mappings
	err     error
}

func (a staticAuthority) Maps(int) (uint64, Mappings, error) {
	return a.version, a.maps, a.err
}

func TestFallbackAuthority(t *testing.T) {
	t.Parallel()

	recorded := Mappings{{Start: 0x1000, End: 0x2000, Name: "/bin/recorded"}}
	live := Mappings{{Start: 0x400000, End: 0x452000, Name: "/bin/live"}}
	errBoom := errors.New("boom")

	tests := []struct {
		name        string
		primary     staticAuthority
		fallback    staticAuthority
		wantVersion uint64
		wantMaps    Mappings
		wantErr     error
	}{
		{
			name:        "primary has maps",
			primary:     staticAuthority{version: 3, maps: recorded},
			fallback:    staticAuthority{version: 9, maps: live},
			wantVersion: 3,
			wantMaps:    recorded,
		},
		{
			name:        "primary empty",
			fallback:    staticAuthority{version: 9, maps: live},
			wantVersion: 9 | fallbackVersion,
			wantMaps:    live,
		},
		{
			name:     "fallback fails",
			fallback: staticAuthority{err: ErrProcNotFound},
		},
		{
			name:     "primary fails",
			primary:  staticAuthority{err: errBoom},
			fallback: staticAuthority{version: 9, maps: live},
			wantErr:  errBoom,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			version, ms, err := FallbackAuthority{Primary: tt.primary, Fallback: tt.fallback}.Maps(1)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantVersion, version)
			require.Equal(t, tt.wantMaps, ms)
		})
	}
}

func TestFallbackAuthorityOverProcfs(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeMaps(t, root, "42", testMaps)
	fs, err := procfs.NewFS(root)
	require.NoError(t, err)

	a := FallbackAuthority{Primary: NewTree(nil), Fallback: NewProcfsAuthority(fs, true)}
	version, ms, err := a.Maps(42)
	require.NoError(t, err)
	require.NotZero(t, version&fallbackVersion)
	require.Equal(t, "/usr/bin/dbus-daemon", ms[0].Name)

	// Processes gone from procfs have no maps.
	version, ms, err = a.Maps(7)
	require.NoError(t, err)
	require.Zero(t, version)
	require.Empty(t, ms)
}
