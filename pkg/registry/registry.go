// Package registry tracks the clients known to the coordinator: their model
// kind, device profile, liveness, and participation history.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/0x6flab/namegenerator"

	pkgerrors "github.com/medhive/coordinator/pkg/errors"
)

// Status is a client's liveness classification.
type Status string

const (
	Active   Status = "active"
	Inactive Status = "inactive"

	// Banned clients are excluded from selection and cannot reactivate
	// themselves; only SetStatus lifts the ban.
	Banned Status = "banned"
)

// DeviceProfile describes the hardware a client trains on.
type DeviceProfile struct {
	HasAccelerator   bool   `json:"has_accelerator"`
	AcceleratorCount int    `json:"accelerator_count"`
	OSTag            string `json:"os_tag,omitempty"`
}

// Client is one registered training participant.
type Client struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	ModelKind          string        `json:"model_kind"`
	Device             DeviceProfile `json:"device"`
	Status             Status        `json:"status"`
	RegisteredAt       time.Time     `json:"registered_at"`
	LastSeenAt         time.Time     `json:"last_seen_at"`
	RoundsParticipated int           `json:"rounds_participated"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	ModelKind string
	Status    Status
}

// Registry is an in-memory client table. Clients whose last activity is
// older than the staleness threshold are surfaced as inactive, not deleted.
type Registry struct {
	mu        sync.RWMutex
	clients   map[string]*Client
	staleness time.Duration
	namegen   namegenerator.NameGenerator
	now       func() time.Time
}

func New(staleness time.Duration) *Registry {
	return &Registry{
		clients:   make(map[string]*Client),
		staleness: staleness,
		namegen:   namegenerator.NewGenerator(),
		now:       time.Now,
	}
}

// Register upserts a client. Re-registering refreshes the profile and
// liveness but preserves the participation counter and assigned name.
func (r *Registry) Register(clientID, modelKind string, device DeviceProfile) (Client, error) {
	if clientID == "" || modelKind == "" {
		return Client{}, fmt.Errorf("%w: client id and model kind are required", pkgerrors.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if existing, ok := r.clients[clientID]; ok {
		existing.ModelKind = modelKind
		existing.Device = device
		if existing.Status != Banned {
			existing.Status = Active
		}
		existing.LastSeenAt = now

		return r.snapshot(existing), nil
	}

	client := &Client{
		ID:           clientID,
		Name:         r.namegen.Generate(),
		ModelKind:    modelKind,
		Device:       device,
		Status:       Active,
		RegisteredAt: now,
		LastSeenAt:   now,
	}
	r.clients[clientID] = client

	return r.snapshot(client), nil
}

// Touch records activity from a client.
func (r *Registry) Touch(clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[clientID]
	if !ok {
		return fmt.Errorf("%w: client %s", pkgerrors.ErrNotFound, clientID)
	}
	client.LastSeenAt = r.now()
	if client.Status != Banned {
		client.Status = Active
	}

	return nil
}

// Get returns one client.
func (r *Registry) Get(clientID string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[clientID]
	if !ok {
		return Client{}, fmt.Errorf("%w: client %s", pkgerrors.ErrNotFound, clientID)
	}

	return r.snapshot(client), nil
}

// List returns clients matching the filter, ordered by id.
func (r *Registry) List(filter Filter) []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Client, 0, len(r.clients))
	for _, client := range r.clients {
		snap := r.snapshot(client)
		if filter.ModelKind != "" && snap.ModelKind != filter.ModelKind {
			continue
		}
		if filter.Status != "" && snap.Status != filter.Status {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// IncrementParticipation bumps the rounds-participated counter.
func (r *Registry) IncrementParticipation(clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[clientID]
	if !ok {
		return fmt.Errorf("%w: client %s", pkgerrors.ErrNotFound, clientID)
	}
	client.RoundsParticipated++

	return nil
}

// SetStatus overrides a client's status.
func (r *Registry) SetStatus(clientID string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[clientID]
	if !ok {
		return fmt.Errorf("%w: client %s", pkgerrors.ErrNotFound, clientID)
	}
	client.Status = status

	return nil
}

// Deregister removes a client entirely.
func (r *Registry) Deregister(clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[clientID]; !ok {
		return fmt.Errorf("%w: client %s", pkgerrors.ErrNotFound, clientID)
	}
	delete(r.clients, clientID)

	return nil
}

// snapshot copies a client, downgrading stale active entries to inactive.
// Bans survive staleness. Callers hold at least the read lock.
func (r *Registry) snapshot(client *Client) Client {
	out := *client
	if out.Status == Active && r.staleness > 0 && r.now().Sub(client.LastSeenAt) > r.staleness {
		out.Status = Inactive
	}

	return out
}
