// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package listener

import "testing"

func TestRegisterAndLookup(t *testing.T) {
	r := New()

	id := r.Register(53, 7)
	l, ok := r.Lookup(53)
	if !ok {
		t.Fatal("Lookup(53): not found")
	}
	if l.ID != id {
		t.Errorf("ID = %s, want %s", l.ID, id)
	}
	if l.NextSlot != 7 {
		t.Errorf("NextSlot = %d, want 7", l.NextSlot)
	}

	if _, ok := r.Lookup(80); ok {
		t.Error("Lookup(80): unexpectedly found")
	}
}

func TestRegisterTwiceReusesID(t *testing.T) {
	r := New()

	id1 := r.Register(53, 1)
	id2 := r.Register(53, 2)

	if id1 != id2 {
		t.Errorf("re-registering port 53 changed ID: %s != %s", id1, id2)
	}

	l, _ := r.Lookup(53)
	if l.NextSlot != 2 {
		t.Errorf("NextSlot = %d, want 2 (updated by second Register)", l.NextSlot)
	}
}

func TestUnregister(t *testing.T) {
	r := New()
	r.Register(53, 1)
	r.Unregister(53)

	if _, ok := r.Lookup(53); ok {
		t.Error("Lookup(53) after Unregister: unexpectedly found")
	}
}
