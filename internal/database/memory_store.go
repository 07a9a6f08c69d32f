package database

import (
	"context"
	"sync"

	"github.com/life-stream-dev/life-stream-go-opcua-publisher/internal/logger"
)

type MemoryStore struct {
	mu           sync.RWMutex
	certificates map[string]*TrustedCertificate
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{certificates: make(map[string]*TrustedCertificate)}
}

func (ms *MemoryStore) IsTrusted(_ context.Context, thumbprint string) (bool, error) {
	if thumbprint == "" {
		return false, ThumbprintEmptyError
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	_, ok := ms.certificates[thumbprint]
	return ok, nil
}

func (ms *MemoryStore) AddTrustedPeer(_ context.Context, cert *TrustedCertificate) error {
	if cert == nil || cert.Thumbprint == "" {
		return ThumbprintEmptyError
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.certificates[cert.Thumbprint] = cert
	logger.DebugF("Trusted certificate added: thumbprint=%s subject=%s", cert.Thumbprint, cert.Subject)
	return nil
}

func (ms *MemoryStore) RemoveTrustedPeer(_ context.Context, thumbprint string) error {
	if thumbprint == "" {
		return ThumbprintEmptyError
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.certificates, thumbprint)
	return nil
}

// Count returns the number of trusted certificates.
func (ms *MemoryStore) Count() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.certificates)
}
