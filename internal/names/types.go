// Package names is the canonical petname store: labels assigned to an
// entity (an address) per type and variation (a chain id).
package names

import "sort"

// Type categorizes what a name is attached to.
type Type string

const (
	// TypeEthereumAddress names a 20-byte Ethereum account or contract.
	TypeEthereumAddress Type = "ethereum address"
)

// FallbackVariation applies to every chain that has no specific entry.
const FallbackVariation = "*"

// StateChangeEvent is published on the messenger after every change to the
// store's state. The payload is a State snapshot.
const StateChangeEvent = "NameController:stateChange"

// Entry is a single petname record exchanged between the store and a
// naming source. A nil Name is a tombstone.
type Entry struct {
	Value     string
	Name      *string
	Type      Type
	SourceID  string
	Variation string
}

// Key identifies an entry within one type.
type Key struct {
	Value     string
	Variation string
}

// Key returns the (value, variation) pair of the entry.
func (e Entry) Key() Key {
	return Key{Value: e.Value, Variation: e.Variation}
}

// Tombstone returns a copy of e with its name cleared.
func (e Entry) Tombstone() Entry {
	e.Name = nil
	return e
}

// NameOrEmpty returns the name, or "" for a tombstone.
func (e Entry) NameOrEmpty() string {
	if e.Name == nil {
		return ""
	}
	return *e.Name
}

// Ptr returns a pointer to s. Handy for building entries.
func Ptr(s string) *string {
	return &s
}

// ProposedNames holds suggestions a provider made for an entry.
type ProposedNames struct {
	Names           []string `json:"proposedNames"`
	LastRequestTime *int64   `json:"lastRequestTime,omitempty"`
	RetryDelay      *int64   `json:"retryDelay,omitempty"`
}

// NameEntry is the stored value for one (type, value, variation).
type NameEntry struct {
	Name          *string                  `json:"name"`
	SourceID      *string                  `json:"sourceId"`
	ProposedNames map[string]ProposedNames `json:"proposedNames"`
}

// State maps type -> value -> variation -> entry. A missing key means no
// name has been assigned.
type State map[Type]map[string]map[string]NameEntry

// Lookup returns the entry for the given key.
func (s State) Lookup(t Type, value, variation string) (NameEntry, bool) {
	e, ok := s[t][value][variation]
	return e, ok
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := make(State, len(s))
	for t, values := range s {
		vs := make(map[string]map[string]NameEntry, len(values))
		for value, variations := range values {
			vars := make(map[string]NameEntry, len(variations))
			for variation, e := range variations {
				vars[variation] = e.clone()
			}
			vs[value] = vars
		}
		out[t] = vs
	}
	return out
}

// Entries flattens the named entries of type t, sorted by value then
// variation.
func (s State) Entries(t Type) []Entry {
	var out []Entry
	for value, variations := range s[t] {
		for variation, e := range variations {
			if e.Name == nil {
				continue
			}
			entry := Entry{
				Value:     value,
				Name:      Ptr(*e.Name),
				Type:      t,
				Variation: variation,
			}
			if e.SourceID != nil {
				entry.SourceID = *e.SourceID
			}
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value < out[j].Value
		}
		return out[i].Variation < out[j].Variation
	})
	return out
}

func (e NameEntry) clone() NameEntry {
	c := NameEntry{}
	if e.Name != nil {
		c.Name = Ptr(*e.Name)
	}
	if e.SourceID != nil {
		c.SourceID = Ptr(*e.SourceID)
	}
	if e.ProposedNames != nil {
		c.ProposedNames = make(map[string]ProposedNames, len(e.ProposedNames))
		for k, v := range e.ProposedNames {
			v.Names = append([]string(nil), v.Names...)
			c.ProposedNames[k] = v
		}
	}
	return c
}
