// Copyright 2026 The gVisor Authors.
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

package sharedregion

import (
	"gvisor.dev/sharedregion/pkg/errors"
)

// Errors returned by the registry.
var (
	ErrNoMemory          = errors.New(errors.ResourceExhaustion, "out of memory for shared region")
	ErrTooManyRegions    = errors.New(errors.ResourceExhaustion, "too many shared regions")
	ErrUnknownArch       = errors.New(errors.InvalidArgument, "no shared region layout for architecture")
	ErrPageSize          = errors.New(errors.InvalidArgument, "unsupported shared region page size")
	ErrOutOfRange        = errors.New(errors.InvalidArgument, "mapping outside shared region")
	ErrBadMapping        = errors.New(errors.InvalidArgument, "invalid shared region mapping")
	ErrSlideMismatch     = errors.New(errors.InvalidArgument, "shared region already slid by a different amount")
	ErrAlreadyMapped     = errors.New(errors.Failure, "shared region already populated")
	ErrNotMapped         = errors.New(errors.Failure, "shared region not populated")
	ErrNoRegion          = errors.New(errors.InvalidArgument, "task has no shared region")
	ErrTooManyAuthRanges = errors.New(errors.ResourceExhaustion, "too many authenticated slide ranges")
)
