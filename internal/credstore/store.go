// Package credstore holds the durable trust records of a deployment: the
// paired device, issued worker credentials and outstanding worker-join
// tokens. The store serializes to a single JSON file so an operator can
// inspect it directly; writes go through an atomic rename.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

var (
	ErrNoDevice       = errors.New("no paired device")
	ErrWorkerNotFound = errors.New("worker credential not found")
	ErrTokenNotFound  = errors.New("join token not found")
	ErrTokenExpired   = errors.New("join token has expired")
	ErrTokenUsed      = errors.New("join token has already been used")
)

type Device struct {
	DeviceID  string    `json:"device_id"`
	PublicKey string    `json:"public_key"`
	PairedAt  time.Time `json:"paired_at"`
}

type WorkerCredential struct {
	WorkerID   string    `json:"worker_id"`
	PublicKey  string    `json:"public_key"`
	Credential string    `json:"credential"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeen   time.Time `json:"last_seen"`
}

type JoinToken struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
}

type state struct {
	Device     *Device            `json:"device,omitempty"`
	Workers    []WorkerCredential `json:"workers"`
	JoinTokens []JoinToken        `json:"join_tokens"`
}

// Store is the single writer for all durable trust records. Components
// mutate it only through its operation set.
type Store struct {
	mu    sync.RWMutex
	path  string
	state state
}

// Open loads the store from path, creating an empty store if the file
// does not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return s, nil
}

// persist writes the current state to disk. Callers must hold s.mu.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

// SetDevice records the paired device, replacing any previous pairing.
func (s *Store) SetDevice(d Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Device != nil {
		slog.Warn("Replacing paired device", "old_device_id", s.state.Device.DeviceID, "new_device_id", d.DeviceID)
	}
	s.state.Device = &d
	return s.persist()
}

func (s *Store) Device() (Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state.Device == nil {
		return Device{}, ErrNoDevice
	}
	return *s.state.Device, nil
}

// PutWorker records a newly issued worker credential.
func (s *Store) PutWorker(w WorkerCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Workers = append(s.state.Workers, w)
	return s.persist()
}

// WorkerByCredential looks up a worker by its opaque bearer secret.
func (s *Store) WorkerByCredential(credential string) (WorkerCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, w := range s.state.Workers {
		if w.Credential == credential {
			return w, nil
		}
	}
	return WorkerCredential{}, ErrWorkerNotFound
}

// TouchWorker updates a worker's last seen timestamp.
func (s *Store) TouchWorker(workerID string, seen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.state.Workers {
		if s.state.Workers[i].WorkerID == workerID {
			s.state.Workers[i].LastSeen = seen
			return s.persist()
		}
	}
	return ErrWorkerNotFound
}

// PutJoinToken records an outstanding one-time worker-join token.
func (s *Store) PutJoinToken(t JoinToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.JoinTokens = append(s.state.JoinTokens, t)
	return s.persist()
}

// ConsumeJoinToken validates a join token and marks it used in one step.
// Any failure leaves the token untouched.
func (s *Store) ConsumeJoinToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.state.JoinTokens {
		if s.state.JoinTokens[i].Token != token {
			continue
		}
		if s.state.JoinTokens[i].Used {
			return ErrTokenUsed
		}
		if time.Now().After(s.state.JoinTokens[i].ExpiresAt) {
			return ErrTokenExpired
		}
		s.state.JoinTokens[i].Used = true
		return s.persist()
	}
	return ErrTokenNotFound
}

// PruneJoinTokens drops used and expired tokens from the durable record.
func (s *Store) PruneJoinTokens() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	kept := s.state.JoinTokens[:0]
	removed := 0
	for _, t := range s.state.JoinTokens {
		if t.Used || now.After(t.ExpiresAt) {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	s.state.JoinTokens = kept

	if removed == 0 {
		return nil
	}
	slog.Debug("Pruned join tokens", "removed", removed)
	return s.persist()
}
