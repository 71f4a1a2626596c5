// Copyright 2022-2024 The Parca Authors
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

package buildinfo

import (
	"errors"
	"runtime/debug"
)

// Info is what the Go toolchain recorded about the build of the binary.
type Info struct {
	GoVersion, GoArch, GoOs, VcsRevision, VcsTime string
	VcsModified                                    bool
}

func Fetch() (*Info, error) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return nil, errors.New("can't read the build info")
	}
	return fromBuildInfo(bi), nil
}

func fromBuildInfo(bi *debug.BuildInfo) *Info {
	info := Info{GoVersion: bi.GoVersion}

	for _, setting := range bi.Settings {
		key := setting.Key
		value := setting.Value

		switch key {
		case "GOARCH":
			info.GoArch = value
		case "GOOS":
			info.GoOs = value
		case "vcs.revision":
			info.VcsRevision = value
		case "vcs.time":
			info.VcsTime = value
		case "vcs.modified":
			info.VcsModified = value == "true"
		}
	}

	return &info
}

// Revision returns the abbreviated VCS revision, marked when the tree was
// modified, or "" when the binary was not built from a checkout.
func (i *Info) Revision() string {
	rev := i.VcsRevision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if rev != "" && i.VcsModified {
		rev += "-dirty"
	}
	return rev
}
