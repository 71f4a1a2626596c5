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

package pprof

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	pprofprofile "github.com/google/pprof/profile"
	"github.com/klauspost/compress/gzip"
)

// Write writes prof to w as a gzip compressed protobuf.
func Write(w io.Writer, prof *pprofprofile.Profile) error {
	zw, err := gzip.NewWriterLevel(w, gzip.StatelessCompression)
	if err != nil {
		return err
	}
	if err = prof.WriteUncompressed(zw); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// WriteFile writes prof to path, creating missing parent directories.
func WriteFile(path string, prof *pprofprofile.Profile) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("could not create directory %s: %w", dir, err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	if err := Write(f, prof); err != nil {
		f.Close()
		return fmt.Errorf("write profile %s: %w", path, err)
	}
	return f.Close()
}
