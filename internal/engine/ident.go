package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// NamePolicy derives a resource name from either an exact name or a prefix.
// Exactly one of the two may be set; validation rejects configs with both.
type NamePolicy struct {
	Exact  string
	Prefix string
	// Base sits between prefix and suffix; empty segments collapse so the
	// result never carries doubled separators.
	Base string
	// Keepers pin the generated suffix: the suffix only changes when a
	// keeper value changes.
	Keepers map[string]string
}

const nameSeparator = "-"

// Derive computes the final resource name. Prefix-named resources get a
// stable generated suffix; exact names pass through untouched.
func (p NamePolicy) Derive(lineage string) string {
	if p.Exact != "" {
		return p.Exact
	}
	segments := []string{p.Prefix, p.Base, StableSuffix(lineage, p.Keepers)}
	nonEmpty := segments[:0]
	for _, s := range segments {
		if s != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	return strings.Join(nonEmpty, nameSeparator)
}

// StableSuffix returns 8 lowercase hex characters derived from the state
// lineage and the keeper set. Repeated planning passes with unchanged keepers
// yield the same suffix; a changed keeper forces a new one. The lineage is a
// UUID minted once per state lifetime, so distinct deployments diverge even
// with identical keepers. Collisions in 4 bytes are accepted as negligible.
func StableSuffix(lineage string, keepers map[string]string) string {
	h := sha256.New()
	h.Write([]byte(lineage))

	keys := make([]string, 0, len(keepers))
	for k := range keepers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(keepers[k]))
	}

	return hex.EncodeToString(h.Sum(nil)[:4])
}
