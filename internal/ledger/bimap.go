package ledger

import "encoding/json"

// Bimap is an insertion-ordered bidirectional string map. Forward and
// inverse views are kept synchronized by exposing only mutators that
// update both; a real key maps to exactly one anon value and vice versa.
type Bimap struct {
	fwd   map[string]string
	inv   map[string]string
	order []string
}

// NewBimap returns an empty bidirectional map.
func NewBimap() *Bimap {
	return &Bimap{
		fwd: make(map[string]string),
		inv: make(map[string]string),
	}
}

// Put records real→anon. An existing binding for either side is never
// overwritten; Put reports whether the pair was inserted.
func (b *Bimap) Put(real, anon string) bool {
	if _, ok := b.fwd[real]; ok {
		return false
	}
	if _, ok := b.inv[anon]; ok {
		return false
	}
	b.fwd[real] = anon
	b.inv[anon] = real
	b.order = append(b.order, real)
	return true
}

// Anon returns the anonymized value for a real key.
func (b *Bimap) Anon(real string) (string, bool) {
	v, ok := b.fwd[real]
	return v, ok
}

// Real returns the real key for an anonymized value (reverse lookup).
func (b *Bimap) Real(anon string) (string, bool) {
	v, ok := b.inv[anon]
	return v, ok
}

// DeleteReal removes the pair keyed by its real side.
func (b *Bimap) DeleteReal(real string) bool {
	anon, ok := b.fwd[real]
	if !ok {
		return false
	}
	delete(b.fwd, real)
	delete(b.inv, anon)
	b.dropOrder(real)
	return true
}

// DeleteAnon removes the pair keyed by its anonymized side.
func (b *Bimap) DeleteAnon(anon string) bool {
	real, ok := b.inv[anon]
	if !ok {
		return false
	}
	delete(b.inv, anon)
	delete(b.fwd, real)
	b.dropOrder(real)
	return true
}

func (b *Bimap) dropOrder(real string) {
	for i, k := range b.order {
		if k == real {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}

// Len returns the number of pairs.
func (b *Bimap) Len() int { return len(b.fwd) }

// Keys returns the real keys in insertion order.
func (b *Bimap) Keys() []string {
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

type bimapPair struct {
	Real string `json:"real"`
	Anon string `json:"anon"`
}

// MarshalJSON serializes the map as ordered pairs so reloads preserve
// insertion order.
func (b *Bimap) MarshalJSON() ([]byte, error) {
	pairs := make([]bimapPair, 0, len(b.order))
	for _, real := range b.order {
		pairs = append(pairs, bimapPair{Real: real, Anon: b.fwd[real]})
	}
	return json.Marshal(pairs)
}

// UnmarshalJSON restores the map from ordered pairs.
func (b *Bimap) UnmarshalJSON(data []byte) error {
	var pairs []bimapPair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	b.fwd = make(map[string]string, len(pairs))
	b.inv = make(map[string]string, len(pairs))
	b.order = b.order[:0]
	for _, p := range pairs {
		b.Put(p.Real, p.Anon)
	}
	return nil
}
