// Package registry implements LobbyBoy's durable server registry: an
// ordered, JSON-encoded sequence of ServerMeta records guarded by a
// process-wide lock and written with a write-then-rename cycle so a crash
// mid-write never leaves a torn file on disk.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/gravitational/trace"
)

// ServerMeta is the persisted record for one backend server.
type ServerMeta struct {
	ProviderName      string   `json:"provider_name"`
	ServerName        string   `json:"server_name"`
	Workspace         string   `json:"workspace"`
	ServerHost        string   `json:"server_host"`
	ServerUser        string   `json:"server_user"`
	ServerPort        int      `json:"server_port"`
	CreatedTimestamp  int64    `json:"created_timestamp"`
	SSHExtraArgs      []string `json:"ssh_extra_args,omitempty"`
	Manage            bool     `json:"manage"`
}

// LiveSec returns how long this server has existed, relative to now.
func (m ServerMeta) LiveSec(now int64) int64 {
	live := now - m.CreatedTimestamp
	if live < 0 {
		return 0
	}
	return live
}

// Registry is the durable, ordered {server_name -> ServerMeta} mapping.
// A Registry value is safe for concurrent use; every mutation takes both an
// in-process mutex (fast path for same-process callers) and an inter-process
// flock (so a second lobbyboy instance pointed at the same data_dir, or a
// crash-recovered leftover lock, can't tear the file).
type Registry struct {
	path string
	lock *flock.Flock
	mu   sync.Mutex
}

// New returns a Registry persisting to path. The lock file is path+".lock".
func New(path string) *Registry {
	return &Registry{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Load returns the ordered sequence currently on disk. A missing or empty
// file yields an empty, non-error sequence.
func (r *Registry) Load() ([]ServerMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

func (r *Registry) loadLocked() ([]ServerMeta, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var metas []ServerMeta
	if err := json.Unmarshal(data, &metas); err != nil {
		return nil, trace.Wrap(err, "corrupt registry file %v", r.path)
	}
	return metas, nil
}

// Update applies additions then removals (by ServerName) to the persisted
// sequence, under the registry lock, and writes the result atomically.
// Pre-existing entries keep their relative order; new entries are appended.
func (r *Registry) Update(additions []ServerMeta, deletedNames []string) error {
	if err := r.lock.Lock(); err != nil {
		return trace.Wrap(err, "acquiring registry lock")
	}
	defer r.lock.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.loadLocked()
	if err != nil {
		return trace.Wrap(err)
	}

	deleted := make(map[string]bool, len(deletedNames))
	for _, name := range deletedNames {
		deleted[name] = true
	}

	next := make([]ServerMeta, 0, len(current)+len(additions))
	for _, m := range current {
		if !deleted[m.ServerName] {
			next = append(next, m)
		}
	}
	for _, m := range additions {
		if !deleted[m.ServerName] {
			next = append(next, m)
		}
	}

	return r.writeLocked(next)
}

func (r *Registry) writeLocked(metas []ServerMeta) error {
	if metas == nil {
		metas = []ServerMeta{}
	}
	data, err := json.MarshalIndent(metas, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return trace.Wrap(err, "creating temp registry file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return trace.Wrap(err, "writing temp registry file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return trace.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return trace.Wrap(err)
	}

	if err := os.Rename(tmpPath, r.path); err != nil {
		return trace.Wrap(err, "renaming registry file into place")
	}
	return nil
}
