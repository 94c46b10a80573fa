package registry

import "fmt"

// leasePort claims port for the given server id. The lease arbitrates the
// port namespace inside this process; the subsequent bind arbitrates
// against the rest of the host. Exactly one of two concurrent starts for
// the same port gets the lease.
func (r *Registry) leasePort(port int, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, held := r.ports[port]; held && holder != id {
		return fmt.Errorf("%w: port %d leased to server %s", ErrPortInUse, port, holder)
	}
	r.ports[port] = id
	return nil
}

// releasePort returns the lease if id still holds it.
func (r *Registry) releasePort(port int, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ports[port] == id {
		delete(r.ports, port)
	}
}

// LeasedPorts returns the ports currently held, for diagnostics.
func (r *Registry) LeasedPorts() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.ports))
	for port := range r.ports {
		out = append(out, port)
	}
	return out
}
