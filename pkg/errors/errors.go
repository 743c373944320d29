// Copyright 2018 The gVisor Authors.
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

// Package errors holds the standardized error definition for the shared
// region subsystem.
package errors

import "fmt"

// Kind classifies an Error so callers can react to a category of failure
// without matching every sentinel.
type Kind int

// Error kinds.
const (
	// Failure is an unclassified failure.
	Failure Kind = iota

	// InvalidArgument means the caller supplied malformed or out of range
	// input.
	InvalidArgument

	// ResourceExhaustion means memory, address space or a configured limit
	// ran out.
	ResourceExhaustion

	// AlreadyPresent means an equivalent mapping already exists. Callers that
	// install mappings treat it as success.
	AlreadyPresent

	// RelocationOverrun means a pointer chain left its page or contained a
	// value that cannot be rebased.
	RelocationOverrun

	// Busy means the operation lost a race with another owner.
	Busy
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case Failure:
		return "failure"
	case InvalidArgument:
		return "invalid argument"
	case ResourceExhaustion:
		return "resource exhaustion"
	case AlreadyPresent:
		return "already present"
	case RelocationOverrun:
		return "relocation overrun"
	case Busy:
		return "busy"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is a sentinel error with a descriptive message. Errors are compared
// by identity; wrap them with fmt.Errorf("...: %w", err) to add context.
type Error struct {
	kind    Kind
	message string
}

// New creates a new *Error.
func New(kind Kind, message string) *Error {
	return &Error{
		kind:    kind,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Kind returns the error's category.
func (e *Error) Kind() Kind { return e.kind }

// KindOf returns the Kind of the first *Error in err's tree, searched depth
// first, or Failure if there is none.
func KindOf(err error) Kind {
	if e, ok := findError(err); ok {
		return e.kind
	}
	return Failure
}

func findError(err error) (*Error, bool) {
	switch x := err.(type) {
	case nil:
		return nil, false
	case *Error:
		return x, true
	case interface{ Unwrap() error }:
		return findError(x.Unwrap())
	case interface{ Unwrap() []error }:
		for _, e := range x.Unwrap() {
			if found, ok := findError(e); ok {
				return found, true
			}
		}
	}
	return nil, false
}
