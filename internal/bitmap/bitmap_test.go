// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package bitmap

import (
	"encoding/json"
	"testing"

	"github.com/go-stack/stack"
	"github.com/karlmutch/errors"

	"github.com/mitchellh/copystructure"
)

// This file contains the implementations of tests related to the bit set
// used for core and device tracking

// TestBitmapRanges implements checks on half open range operations
func TestBitmapRanges(t *testing.T) {
	bm := New(16)
	bm.SetRange(2, 6)
	if cnt := bm.Count(); cnt != 4 {
		t.Fatal(errors.New("range set produced the wrong population").With("expected", 4).With("actual", cnt).With("stack", stack.Trace().TrimRuntime()))
	}
	if bm.Test(6) {
		t.Fatal(errors.New("range end must be exclusive").With("stack", stack.Trace().TrimRuntime()))
	}
	bm.ClearRange(3, 5)
	for _, i := range []uint{3, 4} {
		if bm.Test(i) {
			t.Fatal(errors.New("range clear left a bit set").With("bit", i).With("stack", stack.Trace().TrimRuntime()))
		}
	}
	if !bm.Test(2) || !bm.Test(5) {
		t.Fatal(errors.New("range clear touched bits outside the range").With("stack", stack.Trace().TrimRuntime()))
	}
}

// TestBitmapResize implements the growth and refused shrink cases
func TestBitmapResize(t *testing.T) {
	bm := New(8)
	bm.Set(6)

	if err := bm.Resize(12); err != nil {
		t.Fatal(err)
	}
	if !bm.Test(6) || bm.Size() != 12 {
		t.Fatal(errors.New("growth must preserve bit positions").With("stack", stack.Trace().TrimRuntime()))
	}

	// Shrinking below the highest set bit is a reported error
	if err := bm.Resize(4); err == nil {
		t.Fatal(errors.New("shrink dropping set bits must be refused").With("stack", stack.Trace().TrimRuntime()))
	}
	if bm.Size() != 12 {
		t.Fatal(errors.New("refused shrink must leave the bitmap untouched").With("stack", stack.Trace().TrimRuntime()))
	}

	bm.Truncate(4)
	if bm.Size() != 4 || bm.Any() {
		t.Fatal(errors.New("forced truncation must drop the tail").With("stack", stack.Trace().TrimRuntime()))
	}
}

// TestBitmapOverlap implements population intersection checks
func TestBitmapOverlap(t *testing.T) {
	a := New(10)
	b := New(10)
	a.SetRange(0, 5)
	b.SetRange(3, 8)
	if cnt := a.Overlap(b); cnt != 2 {
		t.Fatal(errors.New("overlap count was unexpected").With("expected", 2).With("actual", cnt).With("stack", stack.Trace().TrimRuntime()))
	}
	a.And(b)
	if cnt := a.Count(); cnt != 2 {
		t.Fatal(errors.New("intersection population was unexpected").With("expected", 2).With("actual", cnt).With("stack", stack.Trace().TrimRuntime()))
	}
}

// TestBitmapString implements the range list rendering and parsing cases
func TestBitmapString(t *testing.T) {
	bm := New(12)
	bm.SetRange(0, 4)
	bm.Set(7)
	if s := bm.String(); s != "0-3,7" {
		t.Fatal(errors.New("range list rendering was unexpected").With("expected", "0-3,7").With("actual", s).With("stack", stack.Trace().TrimRuntime()))
	}

	parsed, err := Parse("0-3,7", 12)
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Equal(bm) {
		t.Fatal(errors.New("parsed range list differs from its source").With("stack", stack.Trace().TrimRuntime()))
	}

	if _, err = Parse("0-20", 12); err == nil {
		t.Fatal(errors.New("out of range core index must be refused").With("stack", stack.Trace().TrimRuntime()))
	}
}

// TestBitmapJSON implements the serialization round trip
func TestBitmapJSON(t *testing.T) {
	bm := New(9)
	bm.Set(0)
	bm.Set(8)

	data, errGo := json.Marshal(bm)
	if errGo != nil {
		t.Fatal(errGo)
	}
	back := &Bitmap{}
	if errGo = json.Unmarshal(data, back); errGo != nil {
		t.Fatal(errGo)
	}
	if !back.Equal(bm) || back.Size() != 9 {
		t.Fatal(errors.New("serialization round trip altered the bitmap").With("stack", stack.Trace().TrimRuntime()))
	}
}

// TestBitmapDeepCopy implements the structural clone contract used by the
// request state duplication
func TestBitmapDeepCopy(t *testing.T) {
	bm := New(6)
	bm.Set(2)

	dup, errGo := copystructure.Copy(bm)
	if errGo != nil {
		t.Fatal(errGo)
	}
	cp := dup.(*Bitmap)
	if !cp.Equal(bm) {
		t.Fatal(errors.New("deep copy differs from its source").With("stack", stack.Trace().TrimRuntime()))
	}
	cp.Set(3)
	if bm.Test(3) {
		t.Fatal(errors.New("deep copy must not share storage with its source").With("stack", stack.Trace().TrimRuntime()))
	}
}
