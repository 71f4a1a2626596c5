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

package unwind

import "github.com/parca-dev/parca-perf/pkg/process"

// FramePointerWalker walks frame pointer chains. Each frame record holds the
// caller's frame pointer followed by the return address, which is the layout
// on x86, x86_64 and arm64. Code built without frame pointers ends the chain
// early.
type FramePointerWalker struct{}

func (FramePointerWalker) Walk(req *WalkRequest) *WalkResult {
	res := &WalkResult{}
	ws := uint64(req.Regs.WordSize())

	pc, sp, fp := req.Regs.PC(), req.Regs.SP(), req.Regs.FP()
	for {
		if len(res.Frames) >= req.MaxFrames {
			res.ErrCode = ErrCodeMaxFramesExceeded
			return res
		}

		m := findMap(req, pc)
		res.Frames = append(res.Frames, Frame{PC: pc, SP: sp, Map: m})
		if m == nil {
			res.ErrCode = ErrCodeInvalidMap
			res.ErrAddr = pc
			return res
		}

		if fp == 0 {
			return res
		}
		if fp < sp {
			// Frame records live above the stack pointer.
			res.ErrCode = ErrCodeUnknown
			return res
		}

		next, ok := req.Stack.ReadWord(fp, int(ws))
		if !ok {
			res.ErrCode = ErrCodeMemoryInvalid
			res.ErrAddr = fp
			return res
		}
		ret, ok := req.Stack.ReadWord(fp+ws, int(ws))
		if !ok {
			res.ErrCode = ErrCodeMemoryInvalid
			res.ErrAddr = fp + ws
			return res
		}
		if ret == 0 {
			return res
		}

		pc, sp, fp = ret, fp+2*ws, next
	}
}

func findMap(req *WalkRequest, pc uint64) *process.MapEntry {
	if req.Maps == nil {
		return nil
	}
	return req.Maps.Find(pc)
}
