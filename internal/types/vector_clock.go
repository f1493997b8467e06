package types

import (
	"sort"
	"strconv"
	"strings"
)

// Ordering is the causal relation between two vector clocks.
type Ordering string

const (
	Ahead      Ordering = "ahead"
	Behind     Ordering = "behind"
	Equal      Ordering = "equal"
	Concurrent Ordering = "concurrent"
)

// VectorClock keeps a logical counter for each device that has written to a
// scope. A device only ever increments its own entry.
type VectorClock map[DeviceID]uint64

// NewVectorClock returns a copy of initial, or an empty clock when nil.
func NewVectorClock(initial VectorClock) VectorClock {
	return initial.Clone()
}

// Clone returns an independent copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for device, value := range vc {
		out[device] = value
	}
	return out
}

// Increment returns a new clock with the device counter advanced by one. The
// receiver is left untouched.
func (vc VectorClock) Increment(device DeviceID) VectorClock {
	out := vc.Clone()
	out[device]++
	return out
}

// Merge returns the pointwise maximum of both clocks over the union of keys.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := vc.Clone()
	for device, value := range other {
		if value > out[device] {
			out[device] = value
		}
	}
	return out
}

// Compare reports how the receiver relates to other. Missing entries count
// as zero.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	var aIsAhead, bIsAhead bool
	for device, value := range vc {
		if value > other[device] {
			aIsAhead = true
		} else if value < other[device] {
			bIsAhead = true
		}
	}
	for device, value := range other {
		if _, ok := vc[device]; !ok && value > 0 {
			bIsAhead = true
		}
	}

	switch {
	case aIsAhead && bIsAhead:
		return Concurrent
	case aIsAhead:
		return Ahead
	case bIsAhead:
		return Behind
	default:
		return Equal
	}
}

// Dominates reports whether every counter in the receiver is greater than or
// equal to the matching counter in other.
func (vc VectorClock) Dominates(other VectorClock) bool {
	switch vc.Compare(other) {
	case Ahead, Equal:
		return true
	}
	return false
}

// Divergence is the accumulated absolute difference between both clocks.
func (vc VectorClock) Divergence(other VectorClock) uint64 {
	var total uint64
	for device, value := range vc {
		total += absDiff(value, other[device])
	}
	for device, value := range other {
		if _, ok := vc[device]; !ok {
			total += value
		}
	}
	return total
}

// String renders the clock deterministically as "device:count|device:count".
func (vc VectorClock) String() string {
	devices := make([]string, 0, len(vc))
	for device := range vc {
		devices = append(devices, string(device))
	}
	sort.Strings(devices)

	var b strings.Builder
	for i, device := range devices {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(device)
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(vc[DeviceID(device)], 10))
	}
	return b.String()
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
