package types

// Delta is the set of mutations that moves a replica from one commit to
// another. It is built while reconciling with a peer and never persisted.
type Delta struct {
	Patch    []Mutation `json:"patch"`
	FromHash string     `json:"from_hash"`
	ToHash   string     `json:"to_hash"`
}

// NewDelta creates an empty delta between two commit ids
func NewDelta(from, to string) *Delta {
	return &Delta{FromHash: from, ToHash: to}
}

// Add appends mutations in order
func (d *Delta) Add(ms ...Mutation) {
	for _, m := range ms {
		d.Patch = append(d.Patch, m.Copy())
	}
}

// Len returns the number of mutations
func (d *Delta) Len() int {
	return len(d.Patch)
}

// IsEmpty returns true if the delta carries no mutations
func (d *Delta) IsEmpty() bool {
	return len(d.Patch) == 0
}
