package server

import (
	"errors"
	"sort"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"rsachat/pkg/instrument"
	"rsachat/pkg/transport"
)

// ErrAlreadyRegistered is returned when a username already has a live
// authenticated session.
var ErrAlreadyRegistered = errors.New("server: user already has a live session")

// Member is an authenticated session as seen by the Registry.
type Member interface {
	// Username returns the name the member logged in with.
	Username() string

	// Send encrypts text under the member's own peer key and writes it
	// as a single line.
	Send(text string) error
}

// Registry maps usernames to authenticated sessions and fans out
// broadcasts.
type Registry struct {
	mu      sync.RWMutex
	members map[string]Member

	log *logging.Logger
}

// NewRegistry returns an empty Registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		members: make(map[string]Member),
		log:     log,
	}
}

// Register adds m under username. onJoin, if not nil, runs while the
// registry is locked, so whatever it writes to the member precedes any
// broadcast that includes the member. If onJoin fails the member is not
// added.
func (r *Registry) Register(username string, m Member, onJoin func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[username]; ok {
		return ErrAlreadyRegistered
	}
	if onJoin != nil {
		if err := onJoin(); err != nil {
			return err
		}
	}
	r.members[username] = m
	instrument.SetAuthenticatedSessions(len(r.members))
	return nil
}

// Unregister removes username if it currently maps to m, and reports
// whether it did.
func (r *Registry) Unregister(username string, m Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.members[username]; !ok || cur != m {
		return false
	}
	delete(r.members, username)
	instrument.SetAuthenticatedSessions(len(r.members))
	return true
}

// BroadcastExcept delivers text to every member other than sender, each
// copy encrypted for its recipient. A failed delivery is logged and does
// not stop the others. It returns the number of successful deliveries.
func (r *Registry) BroadcastExcept(sender Member, text string) int {
	r.mu.RLock()
	recipients := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		if m != sender {
			recipients = append(recipients, m)
		}
	}
	r.mu.RUnlock()

	r.log.Infof("Broadcasting: %s", text)

	delivered := 0
	for _, m := range recipients {
		err := m.Send(text)
		instrument.Delivery(err)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, transport.ErrClosed):
			r.log.Debugf("Skipping %s: connection closed", m.Username())
		default:
			r.log.Warningf("Failed to send message to %s: %v", m.Username(), err)
		}
	}
	return delivered
}

// Usernames returns the sorted names of every registered member.
func (r *Registry) Usernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.members))
	for name := range r.members {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered members.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
