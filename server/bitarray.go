// Copyright © 2018 NAME HERE <EMAIL ADDRESS>
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

package server

import (
	"fmt"
	"math/bits"
)

//
// Bit Array
//

// BitArray implements a set using a bit array. The server keeps one per
// client, indexed by APID.
type BitArray []uint64

// NewBitArray returns a new BitArray holding count bits
func NewBitArray(count int) *BitArray {
	if count <= 0 {
		r := BitArray(make([]uint64, 0))
		return &r
	}
	r := BitArray(make([]uint64, (count+63)/64))
	return &r
}

// SetBit sets the bit at pos to 1
func (b BitArray) SetBit(pos int) error {
	cell, bitpos := b.getPosition(pos)
	if pos < 0 || cell >= len(b) {
		return fmt.Errorf("bit position out-of-range: %d", pos)
	}
	b[cell] |= 1 << bitpos
	return nil
}

// ClearBit sets the bit at pos to 0
func (b BitArray) ClearBit(pos int) error {
	cell, bitpos := b.getPosition(pos)
	if pos < 0 || cell >= len(b) {
		return fmt.Errorf("bit position out-of-range: %d", pos)
	}
	b[cell] &^= 1 << bitpos
	return nil
}

// GetBit returns the value of the bit as true/false.  If pos is out-of-range, the returned value is false
func (b BitArray) GetBit(pos int) bool {
	cell, bitpos := b.getPosition(pos)
	if pos < 0 || cell >= len(b) {
		return false
	}
	return b[cell]&(1<<bitpos) != 0
}

// IsZero returns true if all bits in this BitArray are 0, else false
func (b BitArray) IsZero() bool {
	for _, w := range b {
		if w != 0 {
			return false
		}
	}
	return true
}

// Copy returns a copy of this bit array
func (b BitArray) Copy() *BitArray {
	r := BitArray(make([]uint64, len(b)))
	copy(r, b)
	return &r
}

// BitCount returns the number of bits set
func (b BitArray) BitCount() int {
	count := 0
	for _, l := range b {
		count += bits.OnesCount64(l)
	}
	return count
}

// APIDs returns the positions of the set bits in ascending order
func (b BitArray) APIDs() []int {
	out := make([]int, 0, b.BitCount())
	for cell, w := range b {
		for w != 0 {
			i := bits.TrailingZeros64(w)
			out = append(out, cell*64+i)
			w &= w - 1
		}
	}
	return out
}

func (b BitArray) getPosition(pos int) (int, uint) {
	return pos / 64, uint(pos) % 64
}
