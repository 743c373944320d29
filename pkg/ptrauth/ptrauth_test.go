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

package ptrauth

import "testing"

func TestSoftSignerRoundTrip(t *testing.T) {
	s, err := NewSoftSigner(7, []byte("task"))
	if err != nil {
		t.Fatalf("NewSoftSigner got err %v want nil", err)
	}
	const ptr = 0x1_8000_4000
	disc := BlendDiscriminator(0x1_8000_0010, 0xbeef)

	signed := s.Sign(ptr, KeyIA, disc)
	if Strip(signed) != ptr {
		t.Fatalf("Strip(%#x) got %#x want %#x", signed, Strip(signed), uint64(ptr))
	}
	if addr, ok := s.Auth(signed, KeyIA, disc); !ok || addr != ptr {
		t.Errorf("Auth got (%#x, %v) want (%#x, true)", addr, ok, uint64(ptr))
	}
	if _, ok := s.Auth(signed, KeyDA, disc); ok {
		t.Errorf("Auth with the wrong key succeeded")
	}
	if _, ok := s.Auth(signed, KeyIA, disc+1); ok {
		t.Errorf("Auth with the wrong discriminator succeeded")
	}
}

func TestSignersDiffer(t *testing.T) {
	a, _ := NewSoftSigner(1, nil)
	b, _ := NewSoftSigner(2, nil)
	a2, _ := NewSoftSigner(1, nil)
	const ptr = 0x4000
	if a.Sign(ptr, KeyDA, 0) != a2.Sign(ptr, KeyDA, 0) {
		t.Errorf("signers with the same id disagree")
	}
	if a.Sign(ptr, KeyDA, 0) == b.Sign(ptr, KeyDA, 0) {
		t.Errorf("signers with different ids agree on %#x", a.Sign(ptr, KeyDA, 0))
	}
}

func TestEnabled(t *testing.T) {
	s, _ := NewSoftSigner(3, nil)
	for _, tc := range []struct {
		s    Signer
		want bool
	}{
		{nil, false},
		{NoopSigner{}, false},
		{s, true},
	} {
		if got := Enabled(tc.s); got != tc.want {
			t.Errorf("Enabled(%T) got %v want %v", tc.s, got, tc.want)
		}
	}
	if _, err := NewSoftSigner(0, nil); err == nil {
		t.Errorf("NewSoftSigner(0) got nil err")
	}
}

func TestBlendDiscriminator(t *testing.T) {
	if got, want := BlendDiscriminator(0xffff_1234_5678_9abc, 0x00ab), uint64(0x00ab_1234_5678_9abc); got != want {
		t.Errorf("BlendDiscriminator got %#x want %#x", got, want)
	}
}
