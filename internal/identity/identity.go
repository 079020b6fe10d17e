// Package identity defines the addressing scheme for grains: the
// (grain-type, grain-key) tuple that the directory (C2) resolves to a
// hosting silo and the persistence provider (C3) keys state blobs by.
package identity

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/google/uuid"

	titanhex "github.com/titan-game/titan/infrastructure/hex"
)

// KeyKind is the shape of the key portion of a grain identity.
type KeyKind int

const (
	KeyKindGUID KeyKind = iota
	KeyKindString
	KeyKindGUIDCompound
)

func (k KeyKind) String() string {
	switch k {
	case KeyKindGUID:
		return "guid"
	case KeyKindString:
		return "string"
	case KeyKindGUIDCompound:
		return "guid-compound"
	default:
		return "unknown"
	}
}

// ID is a grain identity: a type name plus a key of one of the supported
// kinds. The compound form carries both a GUID and a string suffix (e.g. a
// season identifier), per spec.md §3.
type ID struct {
	GrainType string
	Kind      KeyKind
	GUID      uuid.UUID
	Key       string // used when Kind == KeyKindString, or as the suffix for KeyKindGUIDCompound
}

// NewGUID builds a GUID-keyed identity.
func NewGUID(grainType string, id uuid.UUID) ID {
	return ID{GrainType: grainType, Kind: KeyKindGUID, GUID: id}
}

// NewString builds a string-keyed identity, used for singleton grains
// addressed by a well-known name (e.g. "rate-limit-config").
func NewString(grainType, key string) ID {
	return ID{GrainType: grainType, Kind: KeyKindString, Key: key}
}

// NewCompound builds a (guid, suffix) identity, used e.g. for
// per-character-per-season inventory grains.
func NewCompound(grainType string, id uuid.UUID, suffix string) ID {
	return ID{GrainType: grainType, Kind: KeyKindGUIDCompound, GUID: id, Key: suffix}
}

// String renders a stable human-readable form, used in logs and as a map key
// where a struct key would also work but a string is more convenient.
func (id ID) String() string {
	switch id.Kind {
	case KeyKindGUID:
		return fmt.Sprintf("%s/%s", id.GrainType, id.GUID)
	case KeyKindString:
		return fmt.Sprintf("%s/%s", id.GrainType, id.Key)
	case KeyKindGUIDCompound:
		return fmt.Sprintf("%s/%s:%s", id.GrainType, id.GUID, id.Key)
	default:
		return fmt.Sprintf("%s/?", id.GrainType)
	}
}

// ParseString reverses String for the subset of identities that get
// persisted in string form (e.g. reminder rows' grain-id column). It
// disambiguates GUID and GUID-compound keys by attempting a UUID parse on
// the segment after the first "/"; anything that doesn't parse as a UUID
// is treated as a string-keyed identity.
func ParseString(s string) (ID, bool) {
	slash := strings.IndexByte(s, '/')
	if slash < 0 {
		return ID{}, false
	}
	grainType, rest := s[:slash], s[slash+1:]
	if rest == "" {
		return ID{}, false
	}

	if colon := strings.IndexByte(rest, ':'); colon >= 0 {
		guidPart, suffix := rest[:colon], rest[colon+1:]
		if guid, err := uuid.Parse(guidPart); err == nil {
			return NewCompound(grainType, guid, suffix), true
		}
		return ID{}, false
	}

	if guid, err := uuid.Parse(rest); err == nil {
		return NewGUID(grainType, guid), true
	}
	return NewString(grainType, rest), true
}

// bytes returns a canonical byte encoding of the identity used as input to
// the routing hash. It must be stable across processes and releases.
func (id ID) bytes() []byte {
	b := make([]byte, 0, len(id.GrainType)+len(id.Key)+18)
	b = append(b, []byte(id.GrainType)...)
	b = append(b, 0)
	b = append(b, byte(id.Kind))
	switch id.Kind {
	case KeyKindGUID:
		gb, _ := id.GUID.MarshalBinary()
		b = append(b, gb...)
	case KeyKindString:
		b = append(b, []byte(id.Key)...)
	case KeyKindGUIDCompound:
		gb, _ := id.GUID.MarshalBinary()
		b = append(b, gb...)
		b = append(b, 0)
		b = append(b, []byte(id.Key)...)
	}
	return b
}

// Hash returns the fixed, portable 32-bit FNV-1a hash of the identity used
// to select a candidate silo on the consistent-hash ring (C2) and to index
// the persistence provider's key columns (C3). It must remain stable across
// releases: directory placement and SQL indexing both depend on it.
func (id ID) Hash() uint32 {
	h := fnv.New32a()
	h.Write(id.bytes())
	return h.Sum32()
}

// KeyWords splits the 128-bit GUID into two 64-bit words, matching the
// `grain-id-n0`/`grain-id-n1` columns of the persistence SQL surface
// (spec.md §6). Zero-valued for string-keyed identities.
func (id ID) KeyWords() (n0, n1 uint64) {
	if id.Kind == KeyKindString {
		return 0, 0
	}
	gb, _ := id.GUID.MarshalBinary()
	for i := 0; i < 8; i++ {
		n0 = n0<<8 | uint64(gb[i])
	}
	for i := 8; i < 16; i++ {
		n1 = n1<<8 | uint64(gb[i])
	}
	return n0, n1
}

// Extension returns the suffix/extension string stored alongside the
// identity (empty for plain GUID or string identities).
func (id ID) Extension() string {
	if id.Kind == KeyKindGUIDCompound {
		return id.Key
	}
	return ""
}

// TypeHash is a fixed hash of the grain type string, stored purely for SQL
// index efficiency alongside the full type string (spec.md §4.3).
func TypeHash(grainType string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(grainType))
	return h.Sum32()
}

// HashHex is Hash rendered as a "0x"-prefixed hex string, the form used in
// directory/ring diagnostics and log fields where a raw uint32 is harder to
// eyeball against ring boundaries than its hex representation.
func (id ID) HashHex() string {
	hashBytes := []byte{
		byte(id.Hash() >> 24),
		byte(id.Hash() >> 16),
		byte(id.Hash() >> 8),
		byte(id.Hash()),
	}
	return titanhex.EncodeWithPrefix(hashBytes)
}
