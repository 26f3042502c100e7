// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package bitmap

// This file contains the implementation of the growable bit set used for
// per core and per device unit tracking.  Bit positions are stable logical
// indices, resizing pads with zeros on growth and refuses to drop set bits
// on shrink unless the truncating variant is used.

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bits-and-blooms/bitset"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// Bitmap wraps a fixed logical width around a growable bit set.  The zero
// value is not usable, construct instances with New.
type Bitmap struct {
	bits *bitset.BitSet
	n    uint
}

// New returns a bitmap of n bits, all clear
func New(n uint) (bm *Bitmap) {
	return &Bitmap{
		bits: bitset.New(n),
		n:    n,
	}
}

// Size returns the logical width of the bitmap in bits
func (bm *Bitmap) Size() (n uint) {
	return bm.n
}

// Test reports whether bit i is set, out of range bits read as clear
func (bm *Bitmap) Test(i uint) (isSet bool) {
	if i >= bm.n {
		return false
	}
	return bm.bits.Test(i)
}

// Set turns on bit i, out of range indices are ignored
func (bm *Bitmap) Set(i uint) {
	if i >= bm.n {
		return
	}
	bm.bits.Set(i)
}

// Clear turns off bit i
func (bm *Bitmap) Clear(i uint) {
	if i >= bm.n {
		return
	}
	bm.bits.Clear(i)
}

// SetAll turns on every bit within the logical width
func (bm *Bitmap) SetAll() {
	for i := uint(0); i < bm.n; i++ {
		bm.bits.Set(i)
	}
}

// SetRange turns on the bits in the half open interval [start, end)
func (bm *Bitmap) SetRange(start uint, end uint) {
	if end > bm.n {
		end = bm.n
	}
	for i := start; i < end; i++ {
		bm.bits.Set(i)
	}
}

// ClearRange turns off the bits in the half open interval [start, end)
func (bm *Bitmap) ClearRange(start uint, end uint) {
	if end > bm.n {
		end = bm.n
	}
	for i := start; i < end; i++ {
		bm.bits.Clear(i)
	}
}

// Count returns the number of set bits
func (bm *Bitmap) Count() (cnt uint) {
	return bm.bits.Count()
}

// Any reports whether at least one bit is set
func (bm *Bitmap) Any() (isSet bool) {
	return bm.bits.Any()
}

// Or folds the set bits of other into the receiver.  Bits past the
// receiver's width are ignored.
func (bm *Bitmap) Or(other *Bitmap) {
	if other == nil {
		return
	}
	bm.bits.InPlaceUnion(other.bits)
	// Union can carry bits beyond our logical width when the other
	// bitmap is wider
	if other.n > bm.n {
		for i := bm.n; i < other.n; i++ {
			bm.bits.Clear(i)
		}
	}
}

// And intersects the receiver with other, bits absent from other are cleared
func (bm *Bitmap) And(other *Bitmap) {
	if other == nil {
		return
	}
	bm.bits.InPlaceIntersection(other.bits)
}

// Overlap returns the number of bit positions set in both bitmaps
func (bm *Bitmap) Overlap(other *Bitmap) (cnt uint) {
	if other == nil {
		return 0
	}
	return bm.bits.IntersectionCardinality(other.bits)
}

// NextSet returns the first set bit at or after i
func (bm *Bitmap) NextSet(i uint) (pos uint, found bool) {
	pos, found = bm.bits.NextSet(i)
	if found && pos >= bm.n {
		return 0, false
	}
	return pos, found
}

// Indices returns the positions of all set bits in ascending order
func (bm *Bitmap) Indices() (indices []uint) {
	indices = make([]uint, 0, bm.Count())
	for i, ok := bm.NextSet(0); ok; i, ok = bm.NextSet(i + 1) {
		indices = append(indices, i)
	}
	return indices
}

// Clone returns an independent copy of the bitmap
func (bm *Bitmap) Clone() (cp *Bitmap) {
	return &Bitmap{
		bits: bm.bits.Clone(),
		n:    bm.n,
	}
}

// Copy implements the deep copy contract used by the copystructure package
// so bitmaps nested inside duplicated request state are cloned rather than
// aliased
func (bm Bitmap) Copy() (cp interface{}, err error) {
	return Bitmap{
		bits: bm.bits.Clone(),
		n:    bm.n,
	}, nil
}

// Equal reports whether two bitmaps have the same width and the same set bits
func (bm *Bitmap) Equal(other *Bitmap) (same bool) {
	if other == nil {
		return false
	}
	if bm.n != other.n {
		return false
	}
	return bm.bits.Equal(other.bits)
}

// Resize changes the logical width.  Growth pads with clear bits and keeps
// existing positions intact.  A shrink below the highest set bit would lose
// allocation state and is refused with an error, use Truncate when that
// loss is intended.
func (bm *Bitmap) Resize(n uint) (err kv.Error) {
	if n < bm.n {
		if pos, found := bm.bits.NextSet(n); found {
			return kv.NewError("bitmap shrink would drop set bits").
				With("width", bm.n).With("new_width", n).With("highest_bit", pos).
				With("stack", stack.Trace().TrimRuntime())
		}
	}
	bm.n = n
	return nil
}

// Truncate forces the logical width to n, clearing any set bits past the
// new width
func (bm *Bitmap) Truncate(n uint) {
	if n < bm.n {
		for i, ok := bm.bits.NextSet(n); ok; i, ok = bm.bits.NextSet(i + 1) {
			bm.bits.Clear(i)
		}
	}
	bm.n = n
}

// String renders the set bits as a compact range list, for example "0-3,7"
func (bm *Bitmap) String() (s string) {
	ranges := []string{}
	start, last := -1, -1
	flush := func() {
		if start < 0 {
			return
		}
		if start == last {
			ranges = append(ranges, fmt.Sprintf("%d", start))
		} else {
			ranges = append(ranges, fmt.Sprintf("%d-%d", start, last))
		}
	}
	for i, ok := bm.NextSet(0); ok; i, ok = bm.NextSet(i + 1) {
		if start >= 0 && int(i) == last+1 {
			last = int(i)
			continue
		}
		flush()
		start, last = int(i), int(i)
	}
	flush()
	return strings.Join(ranges, ",")
}

type bitmapJSON struct {
	Width uint   `json:"width"`
	Set   []uint `json:"set"`
}

// MarshalJSON renders the bitmap as its width plus the list of set positions
func (bm *Bitmap) MarshalJSON() (data []byte, err error) {
	return json.Marshal(bitmapJSON{Width: bm.n, Set: bm.Indices()})
}

// UnmarshalJSON rebuilds a bitmap marshalled by MarshalJSON
func (bm *Bitmap) UnmarshalJSON(data []byte) (err error) {
	repr := bitmapJSON{}
	if err := json.Unmarshal(data, &repr); err != nil {
		return err
	}
	bm.n = repr.Width
	bm.bits = bitset.New(repr.Width)
	for _, i := range repr.Set {
		if i >= repr.Width {
			return kv.NewError("bitmap position past declared width").
				With("width", repr.Width).With("position", i).
				With("stack", stack.Trace().TrimRuntime())
		}
		bm.bits.Set(i)
	}
	return nil
}

// Parse converts a range list such as "0-3,7" into a bitmap of width n
func Parse(s string, n uint) (bm *Bitmap, err kv.Error) {
	bm = New(n)
	if len(strings.TrimSpace(s)) == 0 {
		return bm, nil
	}
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		first, last := uint(0), uint(0)
		if strings.Contains(tok, "-") {
			if _, errGo := fmt.Sscanf(tok, "%d-%d", &first, &last); errGo != nil {
				return nil, kv.Wrap(errGo).With("range", tok).With("stack", stack.Trace().TrimRuntime())
			}
		} else {
			if _, errGo := fmt.Sscanf(tok, "%d", &first); errGo != nil {
				return nil, kv.Wrap(errGo).With("range", tok).With("stack", stack.Trace().TrimRuntime())
			}
			last = first
		}
		if last < first || last >= n {
			return nil, kv.NewError("core range outside node width").
				With("range", tok).With("width", n).With("stack", stack.Trace().TrimRuntime())
		}
		bm.SetRange(first, last+1)
	}
	return bm, nil
}
