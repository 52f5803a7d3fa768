package transport

import (
	"sync"

	"devkitd/manifest"
)

type storeKey struct {
	device string
	remote string
	kind   ManifestKind
}

// MemoryStore is a ManifestStore that lives only as long as the process.
type MemoryStore struct {
	mu        sync.Mutex
	manifests map[storeKey]manifest.Manifest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{manifests: make(map[storeKey]manifest.Manifest)}
}

func (s *MemoryStore) LoadManifest(deviceID, remotePath string, kind ManifestKind) (manifest.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifests[storeKey{deviceID, remotePath, kind}].Clone(), nil
}

func (s *MemoryStore) RecordEntry(deviceID, remotePath string, kind ManifestKind, entry manifest.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storeKey{deviceID, remotePath, kind}
	if s.manifests[key] == nil {
		s.manifests[key] = make(manifest.Manifest)
	}
	s.manifests[key][entry.Path] = entry
	return nil
}

func (s *MemoryStore) ForgetEntries(deviceID, remotePath string, kind ManifestKind, paths []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.manifests[storeKey{deviceID, remotePath, kind}]
	for _, p := range paths {
		delete(m, p)
	}
	return nil
}

func (s *MemoryStore) ReplaceManifest(deviceID, remotePath string, kind ManifestKind, m manifest.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[storeKey{deviceID, remotePath, kind}] = m.Clone()
	return nil
}

func (s *MemoryStore) ClearManifest(deviceID, remotePath string, kind ManifestKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.manifests, storeKey{deviceID, remotePath, kind})
	return nil
}
