package trade

import (
	"fmt"
	"sort"
	"sync"

	"tradenet/internal/faults"
	"tradenet/internal/proto"
)

// Registry publishes this node's arbitrator and mediator registrations and
// lists the ones other nodes published.
type Registry struct {
	opts Options

	mu  sync.Mutex
	own map[proto.RegistrationRole]proto.RegistrationPayload
}

func NewRegistry(opts Options) *Registry {
	opts = opts.withDefaults()
	opts.Logger = opts.Logger.With("component", "registry")
	return &Registry{opts: opts, own: make(map[proto.RegistrationRole]proto.RegistrationPayload)}
}

// Register announces this node in role.
func (r *Registry) Register(role proto.RegistrationRole, languages []string) error {
	if role != proto.RoleArbitrator && role != proto.RoleMediator {
		return faults.New(faults.Validation, fmt.Sprintf("unknown role %q", role))
	}
	payload := proto.RegistrationPayload{
		Role:         role,
		Address:      r.opts.Self,
		Keys:         r.opts.pubKeys(),
		Languages:    languages,
		RegisteredAt: r.opts.Clock.Now().UnixMilli(),
	}
	entry, err := r.opts.Storage.NewEntry(proto.RegistrationStoragePayload(payload), r.opts.Keys)
	if err != nil {
		return err
	}
	if res := r.opts.Storage.Add(entry, nil); !res.Accepted {
		return faults.New(faults.StorageRejection, "registration "+string(res.Reason))
	}
	r.mu.Lock()
	r.own[role] = payload
	r.mu.Unlock()
	r.opts.Logger.Info("registered", "role", role)
	return nil
}

func (r *Registry) Unregister(role proto.RegistrationRole) error {
	r.mu.Lock()
	payload, ok := r.own[role]
	delete(r.own, role)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("not registered as %s", role)
	}
	rm, err := r.opts.Storage.NewRemoveEntry(proto.RegistrationStoragePayload(payload), r.opts.Keys)
	if err != nil {
		return err
	}
	if res := r.opts.Storage.Remove(rm, nil); !res.Accepted {
		return faults.New(faults.StorageRejection, "unregister "+string(res.Reason))
	}
	return nil
}

// IsRegistered reports whether this node announced itself in role.
func (r *Registry) IsRegistered(role proto.RegistrationRole) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.own[role]
	return ok
}

// Refresh extends the TTL of this node's own registrations.
func (r *Registry) Refresh() int {
	r.mu.Lock()
	own := make([]proto.RegistrationPayload, 0, len(r.own))
	for _, p := range r.own {
		own = append(own, p)
	}
	r.mu.Unlock()
	n := 0
	for _, p := range own {
		h, err := proto.RegistrationStoragePayload(p).Hash()
		if err != nil {
			continue
		}
		msg, err := r.opts.Storage.NewRefresh(h, r.opts.Keys)
		if err != nil {
			continue
		}
		if res := r.opts.Storage.RefreshTTL(msg, nil); res.Accepted {
			n++
		}
	}
	return n
}

// List returns registrations for role ordered by address.
func (r *Registry) List(role proto.RegistrationRole) []proto.RegistrationPayload {
	var out []proto.RegistrationPayload
	for _, e := range r.opts.Storage.List(proto.PayloadRegistration) {
		if e.Payload.Registration.Role == role {
			out = append(out, *e.Payload.Registration)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.String() < out[j].Address.String()
	})
	return out
}

// Select picks the first registration for role not run by one of the
// trading parties.
func (r *Registry) Select(role proto.RegistrationRole, exclude ...proto.NodeAddress) (proto.RegistrationPayload, bool) {
	for _, reg := range r.List(role) {
		if !excluded(reg.Address, exclude) {
			return reg, true
		}
	}
	return proto.RegistrationPayload{}, false
}

// Lookup finds the registration published at addr.
func (r *Registry) Lookup(role proto.RegistrationRole, addr proto.NodeAddress) (proto.RegistrationPayload, bool) {
	for _, reg := range r.List(role) {
		if reg.Address == addr {
			return reg, true
		}
	}
	return proto.RegistrationPayload{}, false
}

func excluded(addr proto.NodeAddress, list []proto.NodeAddress) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
