// Package provider defines the adapter contract between the engine and
// the external systems that hold real resources. The engine knows nothing
// about any resource kind beyond what this contract exposes: a schema
// describing which attribute changes force replacement, per-operation
// timeout defaults, and the four CRUD operations.
package provider

import (
	"context"
	"time"

	"github.com/groundctl/groundctl/pkg/addrs"
)

// Operation identifies a provider call.
type Operation string

const (
	OpCreate Operation = "create"
	OpRead   Operation = "read"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Provider adapts one resource kind to an external system.
//
// The engine delivers at-least-once semantics: Create and Update carry a
// stable idempotency key so an adapter can detect a retried call that
// already took effect, and Delete must succeed when the object is already
// gone.
type Provider interface {
	// Schema returns engine-relevant metadata for the kind.
	Schema() Schema

	// Create provisions a new object and returns its provider ID plus
	// the attributes observed after creation.
	Create(ctx context.Context, req CreateRequest) (*CreateResponse, error)

	// Read fetches the current attributes of an existing object. A
	// missing object is reported with the NOT_FOUND error code, never
	// as a nil response.
	Read(ctx context.Context, req ReadRequest) (*ReadResponse, error)

	// Update mutates the object in place and returns the attributes
	// observed after the change.
	Update(ctx context.Context, req UpdateRequest) (*UpdateResponse, error)

	// Delete removes the object. Deleting an absent object is not an
	// error.
	Delete(ctx context.Context, req DeleteRequest) error
}

// Schema describes what the engine needs to know about a resource kind
// without understanding its attributes.
type Schema struct {
	// ForceNew lists attributes that cannot change in place. A diff
	// touching one of them turns an Update into a Replace.
	ForceNew []string

	// Timeouts are per-operation defaults for the kind. A zero value
	// falls back to the engine-wide default.
	Timeouts Timeouts
}

// ForcesReplacement reports whether a change to the named attribute
// requires the object to be replaced.
func (s Schema) ForcesReplacement(attr string) bool {
	for _, name := range s.ForceNew {
		if name == attr {
			return true
		}
	}
	return false
}

// Timeouts holds per-operation deadlines.
type Timeouts struct {
	Create time.Duration
	Read   time.Duration
	Update time.Duration
	Delete time.Duration
}

// For returns the timeout for op, or zero when none is set.
func (t Timeouts) For(op Operation) time.Duration {
	switch op {
	case OpCreate:
		return t.Create
	case OpRead:
		return t.Read
	case OpUpdate:
		return t.Update
	case OpDelete:
		return t.Delete
	}
	return 0
}

// CreateRequest asks the adapter to provision a new object.
type CreateRequest struct {
	// Address is the instance being created.
	Address addrs.Instance

	// Attributes are the fully resolved desired attributes.
	Attributes map[string]any

	// IdempotencyKey is stable across retries of the same action so the
	// adapter can detect "already applied".
	IdempotencyKey string
}

// CreateResponse reports a successful creation.
type CreateResponse struct {
	// ProviderID is the external system's identifier for the object.
	ProviderID string

	// Attributes are the observed attributes, including any computed by
	// the provider.
	Attributes map[string]any
}

// ReadRequest asks the adapter for an object's current attributes.
type ReadRequest struct {
	Address    addrs.Instance
	ProviderID string
}

// ReadResponse reports the observed attributes of an existing object.
type ReadResponse struct {
	Attributes map[string]any
}

// UpdateRequest asks the adapter to mutate an object in place.
type UpdateRequest struct {
	Address    addrs.Instance
	ProviderID string

	// Prior are the last observed attributes; Attributes are the
	// desired ones.
	Prior      map[string]any
	Attributes map[string]any

	IdempotencyKey string
}

// UpdateResponse reports the attributes observed after an update.
type UpdateResponse struct {
	Attributes map[string]any
}

// DeleteRequest asks the adapter to remove an object.
type DeleteRequest struct {
	Address    addrs.Instance
	ProviderID string
}
