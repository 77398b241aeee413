package offsync

// VectorClock tracks per-device causal history for an entity. A zero-value
// nil map is a valid empty clock.
type VectorClock map[string]uint64

func NewVectorClock() VectorClock {
	return VectorClock{}
}

func (v VectorClock) Clone() VectorClock {
	if v == nil {
		return nil
	}
	clone := make(VectorClock, len(v))
	for device, count := range v {
		clone[device] = count
	}
	return clone
}

// Increment records one local mutation on the given device.
func (v VectorClock) Increment(deviceID string) {
	v[deviceID]++
}

// Merge folds another clock into this one, taking the per-device maximum.
func (v VectorClock) Merge(other VectorClock) {
	for device, count := range other {
		if count > v[device] {
			v[device] = count
		}
	}
}

// HappensBefore reports whether v is causally earlier than other: no
// component of v exceeds other's, and at least one is strictly smaller.
func (v VectorClock) HappensBefore(other VectorClock) bool {
	atLeastOneLess := false
	for device, count := range v {
		otherCount := other[device]
		if count > otherCount {
			return false
		}
		if count < otherCount {
			atLeastOneLess = true
		}
	}
	for device, otherCount := range other {
		if _, ok := v[device]; !ok && otherCount > 0 {
			atLeastOneLess = true
		}
	}
	return atLeastOneLess
}

// Equal reports whether both clocks carry the same non-zero components.
func (v VectorClock) Equal(other VectorClock) bool {
	for device, count := range v {
		if count != other[device] {
			return false
		}
	}
	for device, count := range other {
		if count != v[device] {
			return false
		}
	}
	return true
}

// Concurrent reports whether the clocks are unordered: distinct, and neither
// happened before the other.
func (v VectorClock) Concurrent(other VectorClock) bool {
	return !v.Equal(other) && !v.HappensBefore(other) && !other.HappensBefore(v)
}
