package secret

import (
	"crypto/rand"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Source tells which slot a resolved secret came from.
type Source uint8

const (
	SourceNone Source = iota
	SourcePerPeer
	SourceManual
)

func (s Source) String() string {
	switch s {
	case SourcePerPeer:
		return "per-peer"
	case SourceManual:
		return "manual"
	default:
		return "none"
	}
}

// Entry is the per-peer record kept by a Store.
type Entry struct {
	PeerID    string
	Secret    Secret
	CreatedAt time.Time
}

type manualSlot struct {
	material string
	secret   Secret
}

// Store maps peer IDs to secrets, with one optional manual override.
// Entries are replaced whole under the write lock, so readers observe either
// the previous or the new secret for a peer.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	manual  *manualSlot
	rand    io.Reader
	now     func() time.Time
}

// StoreConfig configures a Store. Zero values select crypto/rand and time.Now.
type StoreConfig struct {
	Rand io.Reader
	Now  func() time.Time
}

// NewStore creates an empty store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		entries: make(map[string]Entry),
		rand:    cfg.Rand,
		now:     cfg.Now,
	}
}

// Has reports whether a secret would resolve for peerID.
func (s *Store) Has(peerID string) bool {
	_, src := s.Lookup(peerID)
	return src != SourceNone
}

// Lookup applies the resolution policy: manual, then per-peer.
func (s *Store) Lookup(peerID string) (Secret, Source) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.manual != nil {
		return s.manual.secret, SourceManual
	}
	if e, ok := s.entries[peerID]; ok {
		return e.Secret, SourcePerPeer
	}
	return Secret{}, SourceNone
}

// Resolve returns the secret in effect for peerID or ErrNotFound.
func (s *Store) Resolve(peerID string) (Secret, error) {
	sec, src := s.Lookup(peerID)
	if src == SourceNone {
		return Secret{}, ErrNotFound
	}
	return sec, nil
}

// Create generates a new secret for peerID, replacing any previous entry.
func (s *Store) Create(peerID string) (Secret, error) {
	if peerID == "" {
		return Secret{}, ErrInvalidSecret
	}
	sec, err := Generate(s.rand)
	if err != nil {
		return Secret{}, err
	}
	s.put(peerID, sec)
	return sec, nil
}

// ImportPeer binds a token received out of band to peerID.
func (s *Store) ImportPeer(peerID, token string) error {
	if peerID == "" {
		return ErrInvalidSecret
	}
	sec, err := ParseToken(token)
	if err != nil {
		return err
	}
	s.put(peerID, sec)
	return nil
}

// Import installs caller-supplied material. "<peerID>:<token>" binds the token
// to that peer; anything else becomes the manual secret.
func (s *Store) Import(material string) error {
	if i := strings.LastIndexByte(material, ':'); i > 0 {
		peerID, token := material[:i], material[i+1:]
		if sec, err := ParseToken(token); err == nil {
			s.put(peerID, sec)
			return nil
		}
	}
	return s.SetManual(material)
}

// SetManual installs the manual override. It wins over every per-peer entry
// until ClearManual is called.
func (s *Store) SetManual(material string) error {
	sec, err := FromMaterial(material)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.manual = &manualSlot{material: material, secret: sec}
	s.mu.Unlock()
	return nil
}

// Manual returns the material the manual secret was set from, or "".
func (s *Store) Manual() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.manual == nil {
		return ""
	}
	return s.manual.material
}

// ClearManual removes the manual override.
func (s *Store) ClearManual() {
	s.mu.Lock()
	s.manual = nil
	s.mu.Unlock()
}

// Entry returns the per-peer record for peerID, ignoring the manual slot.
func (s *Store) Entry(peerID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[peerID]
	return e, ok
}

// Forget removes the per-peer entry for peerID.
func (s *Store) Forget(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[peerID]; !ok {
		return false
	}
	delete(s.entries, peerID)
	return true
}

// Peers lists peer IDs with a per-peer entry, sorted.
func (s *Store) Peers() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (s *Store) put(peerID string, sec Secret) {
	e := Entry{PeerID: peerID, Secret: sec, CreatedAt: s.now()}
	s.mu.Lock()
	s.entries[peerID] = e
	s.mu.Unlock()
}
