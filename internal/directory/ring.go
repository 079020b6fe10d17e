// Package directory implements the grain directory (C2): a consistent-hash
// ring over active silos plus the per-silo local ownership table that
// LocateOrActivate consults and mutates.
package directory

import (
	"hash/fnv"
	"sort"
)

const virtualNodesPerSilo = 64

// Ring is an immutable consistent-hash ring snapshot over the silos that
// were active the last time it was built. Directory swaps in a new Ring
// atomically whenever the membership roster changes; readers never lock.
type Ring struct {
	points []ringPoint
}

type ringPoint struct {
	hash   uint32
	siloID string
}

// NewRing builds a ring from the given active silo ids. A deterministic
// hash of "{siloID}#{n}" seeds each virtual node so independent processes
// building a ring from the same roster converge on the same layout.
func NewRing(siloIDs []string) *Ring {
	points := make([]ringPoint, 0, len(siloIDs)*virtualNodesPerSilo)
	for _, siloID := range siloIDs {
		for n := 0; n < virtualNodesPerSilo; n++ {
			points = append(points, ringPoint{hash: fnv32a(siloID + "#" + itoa(n)), siloID: siloID})
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].hash < points[j].hash })
	return &Ring{points: points}
}

// Candidate returns the silo id owning the given identity hash, or "" if
// the ring is empty (no active silos).
func (r *Ring) Candidate(hash uint32) string {
	if r == nil || len(r.points) == 0 {
		return ""
	}
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= hash })
	if idx == len(r.points) {
		idx = 0
	}
	return r.points[idx].siloID
}

// Empty reports whether the ring has no active silos.
func (r *Ring) Empty() bool {
	return r == nil || len(r.points) == 0
}

func fnv32a(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
