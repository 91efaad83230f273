// Package memory implements the provider contract against an in-process
// object store. It backs the built-in "memory" provider used for local
// experimentation and is the reference implementation tests run against:
// every call is recorded, failures and latency can be injected, and
// idempotency keys deduplicate retried creates.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/copystructure"

	"github.com/groundctl/groundctl/pkg/errors"
	"github.com/groundctl/groundctl/pkg/provider"
)

// Kinds are the resource kinds the built-in memory provider serves.
var Kinds = []string{"database", "gateway", "instance", "network", "registry", "subnet", "volume"}

// Shared is the store behind the providers registered at init, so objects
// created through the default registry are visible across kinds within a
// single process.
var Shared = NewStore()

func init() {
	for _, kind := range Kinds {
		k := kind
		provider.Register(k, func() (provider.Provider, error) {
			return Shared.Provider(k), nil
		})
	}
}

// Call records a single provider invocation.
type Call struct {
	Op         provider.Operation
	Address    string
	ProviderID string
}

type object struct {
	kind       string
	address    string
	attributes map[string]any
}

type failure struct {
	err       error
	remaining int
}

// Store holds the objects managed by memory providers. One store may back
// providers for several kinds.
type Store struct {
	mu       sync.Mutex
	objects  map[string]*object
	applied  map[string]string
	failures map[string]*failure
	calls    []Call
	latency  time.Duration
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		objects:  make(map[string]*object),
		applied:  make(map[string]string),
		failures: make(map[string]*failure),
	}
}

// Provider returns an adapter for the given kind backed by this store.
func (s *Store) Provider(kind string) *Provider {
	return &Provider{
		store:  s,
		kind:   kind,
		schema: kindSchema(kind),
	}
}

// SetLatency makes every subsequent call sleep for d before executing.
// The sleep honors context cancellation.
func (s *Store) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// FailOn arranges for the next times matching calls to fail with err.
// A negative times fails every matching call.
func (s *Store) FailOn(op provider.Operation, address string, times int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[failKey(op, address)] = &failure{err: err, remaining: times}
}

// Calls returns every recorded invocation in order, including failed ones.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsFor counts recorded invocations of op against address.
func (s *Store) CallsFor(op provider.Operation, address string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Op == op && c.Address == address {
			n++
		}
	}
	return n
}

// Len returns the number of live objects.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// Object returns a copy of the attributes stored under providerID.
func (s *Store) Object(providerID string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[providerID]
	if !ok {
		return nil, false
	}
	return copyAttributes(obj.attributes), true
}

// Addresses returns the addresses of all live objects, sorted.
func (s *Store) Addresses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.objects))
	for _, obj := range s.objects {
		out = append(out, obj.address)
	}
	sort.Strings(out)
	return out
}

// Reset drops all objects, recorded calls, injected failures, and
// idempotency bookkeeping.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = make(map[string]*object)
	s.applied = make(map[string]string)
	s.failures = make(map[string]*failure)
	s.calls = nil
	s.latency = 0
}

// record logs an invocation. Calls are recorded before latency or
// failure injection so aborted attempts remain visible.
func (s *Store) record(op provider.Operation, address, providerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Op: op, Address: address, ProviderID: providerID})
}

// delay sleeps for the configured latency, aborting early when ctx ends.
func (s *Store) delay(ctx context.Context) error {
	s.mu.Lock()
	d := s.latency
	s.mu.Unlock()

	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// takeFailure consumes one injected failure for the call, if any. Callers
// must hold the lock.
func (s *Store) takeFailure(op provider.Operation, address string) error {
	f, ok := s.failures[failKey(op, address)]
	if !ok || f.remaining == 0 {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
		if f.remaining == 0 {
			delete(s.failures, failKey(op, address))
		}
	}
	return f.err
}

func failKey(op provider.Operation, address string) string {
	return string(op) + "|" + address
}

// Provider adapts one resource kind to a Store.
type Provider struct {
	store  *Store
	kind   string
	schema provider.Schema
}

// Schema returns the kind's metadata.
func (p *Provider) Schema() provider.Schema {
	return p.schema
}

// SetSchema replaces the kind's metadata. Tests use it to steer
// force-replacement and timeout decisions.
func (p *Provider) SetSchema(s provider.Schema) {
	p.schema = s
}

func (p *Provider) Create(ctx context.Context, req provider.CreateRequest) (*provider.CreateResponse, error) {
	s := p.store
	address := req.Address.String()
	s.record(provider.OpCreate, address, "")

	if err := s.delay(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(provider.OpCreate, address); err != nil {
		return nil, err
	}

	// A retried create with the same key returns the object the first
	// attempt already made.
	if req.IdempotencyKey != "" {
		if id, ok := s.applied[req.IdempotencyKey]; ok {
			if obj, ok := s.objects[id]; ok {
				return &provider.CreateResponse{
					ProviderID: id,
					Attributes: copyAttributes(obj.attributes),
				}, nil
			}
		}
	}

	id := fmt.Sprintf("%s-%s", p.kind, uuid.NewString()[:8])
	attrs := copyAttributes(req.Attributes)
	attrs["id"] = id

	s.objects[id] = &object{
		kind:       p.kind,
		address:    address,
		attributes: attrs,
	}
	if req.IdempotencyKey != "" {
		s.applied[req.IdempotencyKey] = id
	}

	return &provider.CreateResponse{
		ProviderID: id,
		Attributes: copyAttributes(attrs),
	}, nil
}

func (p *Provider) Read(ctx context.Context, req provider.ReadRequest) (*provider.ReadResponse, error) {
	s := p.store
	address := req.Address.String()
	s.record(provider.OpRead, address, req.ProviderID)

	if err := s.delay(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(provider.OpRead, address); err != nil {
		return nil, err
	}

	obj, ok := s.objects[req.ProviderID]
	if !ok {
		return nil, errors.NotFoundError(p.kind, req.ProviderID)
	}

	return &provider.ReadResponse{
		Attributes: copyAttributes(obj.attributes),
	}, nil
}

func (p *Provider) Update(ctx context.Context, req provider.UpdateRequest) (*provider.UpdateResponse, error) {
	s := p.store
	address := req.Address.String()
	s.record(provider.OpUpdate, address, req.ProviderID)

	if err := s.delay(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(provider.OpUpdate, address); err != nil {
		return nil, err
	}

	obj, ok := s.objects[req.ProviderID]
	if !ok {
		return nil, errors.NotFoundError(p.kind, req.ProviderID)
	}

	if req.IdempotencyKey != "" {
		if id, ok := s.applied[req.IdempotencyKey]; ok && id == req.ProviderID {
			return &provider.UpdateResponse{
				Attributes: copyAttributes(obj.attributes),
			}, nil
		}
	}

	attrs := copyAttributes(req.Attributes)
	attrs["id"] = req.ProviderID
	obj.attributes = attrs
	if req.IdempotencyKey != "" {
		s.applied[req.IdempotencyKey] = req.ProviderID
	}

	return &provider.UpdateResponse{
		Attributes: copyAttributes(attrs),
	}, nil
}

func (p *Provider) Delete(ctx context.Context, req provider.DeleteRequest) error {
	s := p.store
	address := req.Address.String()
	s.record(provider.OpDelete, address, req.ProviderID)

	if err := s.delay(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(provider.OpDelete, address); err != nil {
		return err
	}

	// Deleting an object that is already gone succeeds.
	delete(s.objects, req.ProviderID)
	return nil
}

// kindSchema returns the built-in metadata for the standard kinds.
// Unknown kinds get an empty schema: everything updates in place with
// engine-default timeouts.
func kindSchema(kind string) provider.Schema {
	switch kind {
	case "network":
		return provider.Schema{
			ForceNew: []string{"cidr"},
			Timeouts: provider.Timeouts{Create: 2 * time.Minute, Delete: 5 * time.Minute},
		}
	case "subnet":
		return provider.Schema{
			ForceNew: []string{"cidr", "network_id"},
			Timeouts: provider.Timeouts{Create: 2 * time.Minute, Delete: 5 * time.Minute},
		}
	case "instance":
		return provider.Schema{
			ForceNew: []string{"image", "subnet_id"},
			Timeouts: provider.Timeouts{Create: 10 * time.Minute, Delete: 10 * time.Minute},
		}
	case "volume":
		return provider.Schema{
			ForceNew: []string{"zone"},
			Timeouts: provider.Timeouts{Create: 5 * time.Minute, Delete: 5 * time.Minute},
		}
	case "database":
		return provider.Schema{
			ForceNew: []string{"engine"},
			Timeouts: provider.Timeouts{Create: 30 * time.Minute, Update: 30 * time.Minute, Delete: 30 * time.Minute},
		}
	case "registry":
		return provider.Schema{
			ForceNew: []string{"name"},
			Timeouts: provider.Timeouts{Create: 2 * time.Minute},
		}
	case "gateway":
		return provider.Schema{
			ForceNew: []string{"network_id"},
			Timeouts: provider.Timeouts{Create: 5 * time.Minute, Delete: 10 * time.Minute},
		}
	}
	return provider.Schema{}
}

// copyAttributes deep-copies an attribute bag so stored objects never
// alias caller maps. Attribute bags are JSON-shaped values.
func copyAttributes(attrs map[string]any) map[string]any {
	if attrs == nil {
		return map[string]any{}
	}
	copied, err := copystructure.Copy(attrs)
	if err != nil {
		panic(err)
	}
	return copied.(map[string]any)
}
