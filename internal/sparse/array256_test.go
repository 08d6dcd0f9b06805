// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package sparse

import "testing"

func TestArray256InsertGetDelete(t *testing.T) {
	var a Array256[string]

	if _, ok := a.Get(5); ok {
		t.Fatal("Get on empty array must report not-found")
	}

	if exists := a.InsertAt(5, "five"); exists {
		t.Fatal("InsertAt(5) on empty array must report not previously existing")
	}
	if exists := a.InsertAt(200, "two-hundred"); exists {
		t.Fatal("InsertAt(200) must report not previously existing")
	}
	if exists := a.InsertAt(0, "zero"); exists {
		t.Fatal("InsertAt(0) must report not previously existing")
	}

	if a.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", a.Len())
	}

	if v, ok := a.Get(5); !ok || v != "five" {
		t.Errorf("Get(5) = (%q, %v), want (\"five\", true)", v, ok)
	}
	if v := a.MustGet(0); v != "zero" {
		t.Errorf("MustGet(0) = %q, want \"zero\"", v)
	}

	if exists := a.InsertAt(5, "FIVE"); !exists {
		t.Error("InsertAt(5) overwrite must report previously existing")
	}
	if v, _ := a.Get(5); v != "FIVE" {
		t.Errorf("Get(5) after overwrite = %q, want \"FIVE\"", v)
	}

	if v, ok := a.DeleteAt(5); !ok || v != "FIVE" {
		t.Errorf("DeleteAt(5) = (%q, %v), want (\"FIVE\", true)", v, ok)
	}
	if _, ok := a.DeleteAt(5); ok {
		t.Error("DeleteAt(5) a second time must report not-found")
	}
	if a.Len() != 2 {
		t.Fatalf("Len() after delete = %d, want 2", a.Len())
	}
}

func TestArray256UpdateAt(t *testing.T) {
	var a Array256[int]

	cb := func(old int, found bool) int {
		if !found {
			return 1
		}
		return old + 1
	}

	newVal, wasPresent := a.UpdateAt(10, cb)
	if wasPresent || newVal != 1 {
		t.Errorf("first UpdateAt(10) = (%d, %v), want (1, false)", newVal, wasPresent)
	}

	newVal, wasPresent = a.UpdateAt(10, cb)
	if !wasPresent || newVal != 2 {
		t.Errorf("second UpdateAt(10) = (%d, %v), want (2, true)", newVal, wasPresent)
	}
}

func TestArray256Copy(t *testing.T) {
	var a Array256[int]
	a.InsertAt(1, 10)
	a.InsertAt(2, 20)

	cp := a.Copy()
	cp.InsertAt(3, 30)

	if a.Len() != 2 {
		t.Errorf("original Len() = %d after copy mutation, want 2", a.Len())
	}
	if cp.Len() != 3 {
		t.Errorf("copy Len() = %d, want 3", cp.Len())
	}

	var nilArr *Array256[int]
	if nilArr.Copy() != nil {
		t.Error("Copy of nil *Array256 must return nil")
	}
}

func TestArray256MustSetClearPanic(t *testing.T) {
	var a Array256[int]

	mustPanic := func(name string, fn func()) {
		defer func() {
			if recover() == nil {
				t.Errorf("%s must panic", name)
			}
		}()
		fn()
	}

	mustPanic("MustSet", func() { a.MustSet(1) })
	mustPanic("MustClear", func() { a.MustClear(1) })
}
