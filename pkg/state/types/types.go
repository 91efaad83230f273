// Package types defines the data structures for groundctl state.
package types

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/copystructure"
)

// DocumentVersion is the current state document format version.
const DocumentVersion = 1

// Document is the persisted state for one configuration: every resource
// instance the engine has created and not yet destroyed. Serial increases
// by one on every write; lineage is fixed for the lifetime of the
// document so two documents with different lineages are never the same
// infrastructure.
type Document struct {
	Version int    `json:"version"`
	Serial  uint64 `json:"serial"`
	Lineage string `json:"lineage"`

	// Records is kept sorted by address.
	Records []*Record `json:"records"`

	// Outputs holds the root output values observed at the end of the
	// last apply, keyed by output name. Sensitive outputs keep their
	// value but carry a marker so renderers redact them by default.
	Outputs map[string]*OutputValue `json:"outputs,omitempty"`
}

// Record is the last observed state of a single resource instance.
type Record struct {
	// Address is the fully qualified instance address, for example
	// "network.main" or "module.db.instance.replica[1]".
	Address string `json:"address"`

	// Kind is the resource kind the provider was selected by.
	Kind string `json:"kind"`

	// ProviderID is the external identifier returned by the provider
	// on create.
	ProviderID string `json:"provider_id"`

	// Attributes are the attributes as last observed from the provider.
	Attributes map[string]interface{} `json:"attributes,omitempty"`

	// Dependencies lists the addresses this instance depended on when
	// it was created, so destroys can run in reverse order even after
	// the configuration is gone.
	Dependencies []string `json:"dependencies,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OutputValue is a root output captured in state.
type OutputValue struct {
	Value     interface{} `json:"value,omitempty"`
	Sensitive bool        `json:"sensitive,omitempty"`

	// Unavailable marks an output whose dependencies failed or were
	// skipped during the last apply.
	Unavailable bool `json:"unavailable,omitempty"`
}

// NewDocument returns an empty state document with a fresh lineage.
func NewDocument() *Document {
	return &Document{
		Version: DocumentVersion,
		Lineage: uuid.New().String(),
	}
}

// Record returns the record at the given address, or nil.
func (d *Document) Record(address string) *Record {
	for _, r := range d.Records {
		if r.Address == address {
			return r
		}
	}
	return nil
}

// SetRecord inserts or replaces the record for its address, keeping
// Records sorted by address.
func (d *Document) SetRecord(record *Record) {
	for i, r := range d.Records {
		if r.Address == record.Address {
			record.CreatedAt = r.CreatedAt
			d.Records[i] = record
			return
		}
	}
	d.Records = append(d.Records, record)
	sort.Slice(d.Records, func(i, j int) bool {
		return d.Records[i].Address < d.Records[j].Address
	})
}

// RemoveRecord deletes the record at the given address. Removing an
// absent address is a no-op.
func (d *Document) RemoveRecord(address string) {
	for i, r := range d.Records {
		if r.Address == address {
			d.Records = append(d.Records[:i], d.Records[i+1:]...)
			return
		}
	}
}

// Addresses returns every record address in sorted order.
func (d *Document) Addresses() []string {
	addrs := make([]string, 0, len(d.Records))
	for _, r := range d.Records {
		addrs = append(addrs, r.Address)
	}
	return addrs
}

// Empty reports whether the document tracks no resources.
func (d *Document) Empty() bool {
	return len(d.Records) == 0
}

// DeepCopy returns a full copy of the document. Plans mutate their
// working copy while the on-disk document stays untouched until the
// executor commits.
func (d *Document) DeepCopy() *Document {
	copied, err := copystructure.Copy(d)
	if err != nil {
		panic(err)
	}
	return copied.(*Document)
}

// DeepCopy returns a full copy of the record.
func (r *Record) DeepCopy() *Record {
	copied, err := copystructure.Copy(r)
	if err != nil {
		panic(err)
	}
	return copied.(*Record)
}

// NormalizeAttributes forces an attribute bag into its JSON shapes, so
// values observed in-process compare equal to the same values after a
// persistence round trip.
func NormalizeAttributes(attrs map[string]interface{}) map[string]interface{} {
	if len(attrs) == 0 {
		return map[string]interface{}{}
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		panic(err)
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return out
}
