// Package sessiontable implements the in-memory {server_name -> set of live
// client transports} map consulted by the reaper and maintained by the
// orchestrator. It holds its own mutex, separate from the registry's lock,
// so the reaper never blocks behind slow registry disk I/O (and vice
// versa).
package sessiontable

import "sync"

// Transport is the minimal identity a live connection must expose: enough
// to compare "is this the same client" without the table depending on
// golang.org/x/crypto/ssh.
type Transport interface {
	// PeerAddr returns a string uniquely identifying the remote peer, e.g.
	// the client's "host:port". Two Transports with the same PeerAddr are
	// treated as the same connection for Remove.
	PeerAddr() string
}

// Table is the session table. The zero value is ready to use.
type Table struct {
	mu       sync.Mutex
	sessions map[string][]Transport
}

// New returns an empty Table.
func New() *Table {
	return &Table{sessions: make(map[string][]Transport)}
}

// Add records transport as a live session proxied to serverName.
func (t *Table) Add(serverName string, transport Transport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessions == nil {
		t.sessions = make(map[string][]Transport)
	}
	t.sessions[serverName] = append(t.sessions[serverName], transport)
}

// Remove drops the first transport under serverName whose PeerAddr matches.
// It is a no-op if no match is found (idempotent, so a double-EVICT during
// an abnormal exit path is harmless).
func (t *Table) Remove(serverName string, transport Transport) {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.sessions[serverName]
	for i, tr := range list {
		if tr.PeerAddr() == transport.PeerAddr() {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(t.sessions, serverName)
	} else {
		t.sessions[serverName] = list
	}
}

// Count returns the number of live sessions proxied to serverName. Safe to
// call without holding the registry lock.
func (t *Table) Count(serverName string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions[serverName])
}
