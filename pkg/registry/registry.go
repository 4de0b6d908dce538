// Package registry is the single source of truth for live resource
// identity per client: which transports, producer and consumers a client
// owns right now. It is pure bookkeeping; releasing the underlying engine
// resources is the caller's job, driven by the records returned from the
// remove operations.
//
// Records are never silently replaced: creating a record where a live one
// exists fails with a conflict error, so callers must release before they
// replace. Consumer records are keyed by consumer id within each client's
// collection.
package registry

import (
	"sync"

	"github.com/relaycast/relaycast/pkg/protocol"
)

// TransportRecord identifies a client's transport in one role. Exactly one
// live record per (client, role).
type TransportRecord struct {
	ID       string
	Role     protocol.TransportRole
	ClientID string
}

// ProducerRecord identifies a client's outbound media stream. At most one
// per client.
type ProducerRecord struct {
	ID       string
	Kind     protocol.MediaKind
	ClientID string
}

// ConsumerRecord identifies one consumer a client requested.
type ConsumerRecord struct {
	ID         string
	ProducerID string
	ClientID   string
	Paused     bool
}

// Removed bundles everything removed for a client so the caller can release
// the engine resources in order.
type Removed struct {
	Transports []TransportRecord
	Producer   *ProducerRecord
	Consumers  []ConsumerRecord
}

type clientResources struct {
	transports map[protocol.TransportRole]TransportRecord
	producer   *ProducerRecord
	consumers  map[string]ConsumerRecord
}

func newClientResources() *clientResources {
	return &clientResources{
		transports: make(map[protocol.TransportRole]TransportRecord),
		consumers:  make(map[string]ConsumerRecord),
	}
}

// Registry tracks per-client resources. All methods are safe for concurrent
// use; operations for the same client are expected to be serialized by the
// caller (the per-client signaling queue), the registry only guarantees map
// consistency.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*clientResources
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{clients: make(map[string]*clientResources)}
}

// AddClient registers a connected client with no resources.
func (r *Registry) AddClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[clientID]; !ok {
		r.clients[clientID] = newClientResources()
	}
}

// HasClient reports whether the client is registered.
func (r *Registry) HasClient(clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[clientID]
	return ok
}

// ClientCount returns the number of registered clients.
func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// PutTransport stores a transport record. It fails with a conflict error
// when a live record exists for the same (client, role): the old transport
// must be released first.
func (r *Registry) PutTransport(rec TransportRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[rec.ClientID]
	if !ok {
		return protocol.Errorf(protocol.CodeNotFound, "client %s not connected", rec.ClientID)
	}
	if existing, exists := c.transports[rec.Role]; exists {
		return protocol.Errorf(protocol.CodeConflict,
			"client %s already has a %s transport (%s)", rec.ClientID, rec.Role, existing.ID)
	}
	c.transports[rec.Role] = rec
	return nil
}

// Transport returns the client's transport in the given role.
func (r *Registry) Transport(clientID string, role protocol.TransportRole) (TransportRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	if !ok {
		return TransportRecord{}, protocol.Errorf(protocol.CodeNotFound, "client %s not connected", clientID)
	}
	rec, ok := c.transports[role]
	if !ok {
		return TransportRecord{}, protocol.Errorf(protocol.CodeNotFound,
			"client %s has no %s transport", clientID, role)
	}
	return rec, nil
}

// RemoveTransport removes and returns the client's transport in the role.
func (r *Registry) RemoveTransport(clientID string, role protocol.TransportRole) (TransportRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		return TransportRecord{}, protocol.Errorf(protocol.CodeNotFound, "client %s not connected", clientID)
	}
	rec, ok := c.transports[role]
	if !ok {
		return TransportRecord{}, protocol.Errorf(protocol.CodeNotFound,
			"client %s has no %s transport", clientID, role)
	}
	delete(c.transports, role)
	return rec, nil
}

// PutProducer stores the client's producer record. It fails with a conflict
// error when the client already has one.
func (r *Registry) PutProducer(rec ProducerRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[rec.ClientID]
	if !ok {
		return protocol.Errorf(protocol.CodeNotFound, "client %s not connected", rec.ClientID)
	}
	if c.producer != nil {
		return protocol.Errorf(protocol.CodeConflict,
			"client %s already has a producer (%s)", rec.ClientID, c.producer.ID)
	}
	copied := rec
	c.producer = &copied
	return nil
}

// Producer returns the client's producer record.
func (r *Registry) Producer(clientID string) (ProducerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	if !ok {
		return ProducerRecord{}, protocol.Errorf(protocol.CodeNotFound, "client %s not connected", clientID)
	}
	if c.producer == nil {
		return ProducerRecord{}, protocol.Errorf(protocol.CodeNotFound, "client %s has no producer", clientID)
	}
	return *c.producer, nil
}

// RemoveProducer removes and returns the client's producer record.
func (r *Registry) RemoveProducer(clientID string) (ProducerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		return ProducerRecord{}, protocol.Errorf(protocol.CodeNotFound, "client %s not connected", clientID)
	}
	if c.producer == nil {
		return ProducerRecord{}, protocol.Errorf(protocol.CodeNotFound, "client %s has no producer", clientID)
	}
	rec := *c.producer
	c.producer = nil
	return rec, nil
}

// PutConsumer stores a consumer record under its consumer id.
func (r *Registry) PutConsumer(rec ConsumerRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[rec.ClientID]
	if !ok {
		return protocol.Errorf(protocol.CodeNotFound, "client %s not connected", rec.ClientID)
	}
	if _, exists := c.consumers[rec.ID]; exists {
		return protocol.Errorf(protocol.CodeConflict, "consumer %s already exists", rec.ID)
	}
	c.consumers[rec.ID] = rec
	return nil
}

// Consumer returns one of the client's consumer records.
func (r *Registry) Consumer(clientID, consumerID string) (ConsumerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	if !ok {
		return ConsumerRecord{}, protocol.Errorf(protocol.CodeNotFound, "client %s not connected", clientID)
	}
	rec, ok := c.consumers[consumerID]
	if !ok {
		return ConsumerRecord{}, protocol.Errorf(protocol.CodeNotFound,
			"client %s has no consumer %s", clientID, consumerID)
	}
	return rec, nil
}

// SetConsumerPaused updates a consumer record's paused flag.
func (r *Registry) SetConsumerPaused(clientID, consumerID string, paused bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		return protocol.Errorf(protocol.CodeNotFound, "client %s not connected", clientID)
	}
	rec, ok := c.consumers[consumerID]
	if !ok {
		return protocol.Errorf(protocol.CodeNotFound,
			"client %s has no consumer %s", clientID, consumerID)
	}
	rec.Paused = paused
	c.consumers[consumerID] = rec
	return nil
}

// RemoveConsumer removes and returns one consumer record.
func (r *Registry) RemoveConsumer(clientID, consumerID string) (ConsumerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		return ConsumerRecord{}, protocol.Errorf(protocol.CodeNotFound, "client %s not connected", clientID)
	}
	rec, ok := c.consumers[consumerID]
	if !ok {
		return ConsumerRecord{}, protocol.Errorf(protocol.CodeNotFound,
			"client %s has no consumer %s", clientID, consumerID)
	}
	delete(c.consumers, consumerID)
	return rec, nil
}

// RemoveConsumersForProducer removes every consumer record referencing the
// producer, across all clients, and returns them so the caller can release
// the engine consumers. Used when a producer disappears.
func (r *Registry) RemoveConsumersForProducer(producerID string) []ConsumerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []ConsumerRecord
	for _, c := range r.clients {
		for id, rec := range c.consumers {
			if rec.ProducerID == producerID {
				removed = append(removed, rec)
				delete(c.consumers, id)
			}
		}
	}
	return removed
}

// RemoveAllForClient removes the client and returns every record it owned.
func (r *Registry) RemoveAllForClient(clientID string) Removed {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed Removed
	c, ok := r.clients[clientID]
	if !ok {
		return removed
	}
	for _, rec := range c.transports {
		removed.Transports = append(removed.Transports, rec)
	}
	removed.Producer = c.producer
	for _, rec := range c.consumers {
		removed.Consumers = append(removed.Consumers, rec)
	}
	delete(r.clients, clientID)
	return removed
}

// ListProducersExcluding returns every producer record except the given
// client's own, for discovery.
func (r *Registry) ListProducersExcluding(clientID string) []ProducerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ProducerRecord
	for id, c := range r.clients {
		if id == clientID || c.producer == nil {
			continue
		}
		out = append(out, *c.producer)
	}
	return out
}

// FirstVideoProducer returns the first video producer found in the
// registry. Selection is first-found, not best-quality.
func (r *Registry) FirstVideoProducer() (ProducerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		if c.producer != nil && c.producer.Kind == protocol.MediaKindVideo {
			return *c.producer, true
		}
	}
	return ProducerRecord{}, false
}
