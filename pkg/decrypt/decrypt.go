// Package decrypt implements the decryption filter: a sink that collects an
// AEAD encrypted payload, authenticates and decrypts it on Flush and streams
// the plaintext into the wrapped sink.
package decrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/i5heu/suit-platform/pkg/sink"
	"github.com/i5heu/suit-platform/pkg/suiterr"
)

// Algorithm uses the COSE content encryption identifiers.
type Algorithm int

const (
	A256GCM          Algorithm = 3
	ChaCha20Poly1305 Algorithm = 24
)

func (a Algorithm) String() string {
	switch a {
	case A256GCM:
		return "A256GCM"
	case ChaCha20Poly1305:
		return "ChaCha20/Poly1305"
	}
	return fmt.Sprintf("algorithm(%d)", int(a))
}

// Info describes how a payload was encrypted.
type Info struct {
	Algorithm Algorithm
	KeyID     uint32
	IV        []byte
	AAD       []byte
}

// KeyStore resolves content encryption keys.
type KeyStore interface {
	Key(id uint32) ([]byte, error)
}

// MemoryKeyStore keeps keys in process memory.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[uint32][]byte
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[uint32][]byte)}
}

func (s *MemoryKeyStore) Add(id uint32, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[id] = append([]byte(nil), key...)
}

func (s *MemoryKeyStore) Key(id uint32) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, suiterr.Newf(suiterr.NotFound, "key store", "key %d", id)
	}
	return append([]byte(nil), k...), nil
}

func newAEAD(alg Algorithm, key []byte) (cipher.AEAD, error) {
	switch alg {
	case A256GCM:
		if len(key) != 32 {
			return nil, suiterr.Newf(suiterr.Inval, "decrypt", "A256GCM needs a 32 byte key")
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, suiterr.Wrap(suiterr.Inval, "decrypt", err)
		}
		return cipher.NewGCM(block)
	case ChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, suiterr.Wrap(suiterr.Inval, "decrypt", err)
		}
		return aead, nil
	}
	return nil, suiterr.Newf(suiterr.Unsupported, "decrypt", "%s", alg)
}

// Encrypt seals plaintext for info. A missing IV is generated and stored
// in info.
func Encrypt(plaintext, key []byte, info *Info) ([]byte, error) {
	aead, err := newAEAD(info.Algorithm, key)
	if err != nil {
		return nil, err
	}
	if len(info.IV) == 0 {
		info.IV = make([]byte, aead.NonceSize())
		if _, err := rand.Read(info.IV); err != nil {
			return nil, err
		}
	}
	if len(info.IV) != aead.NonceSize() {
		return nil, suiterr.Newf(suiterr.Inval, "encrypt", "IV of %d bytes, want %d", len(info.IV), aead.NonceSize())
	}
	return aead.Seal(nil, info.IV, plaintext, info.AAD), nil
}

// Filter buffers ciphertext and decrypts it into the wrapped sink on Flush.
type Filter struct {
	inner      sink.Sink
	aead       cipher.AEAD
	iv         []byte
	aad        []byte
	ciphertext []byte
	flushed    bool
	released   bool
}

// Get wraps inner. The filter owns inner and releases it on Release.
func Get(inner sink.Sink, info Info, keys KeyStore) (*Filter, error) {
	if inner == nil {
		return nil, suiterr.New(suiterr.Inval, "decrypt filter get")
	}
	if keys == nil {
		return nil, suiterr.Newf(suiterr.Unsupported, "decrypt filter get", "no key store")
	}
	key, err := keys.Key(info.KeyID)
	if err != nil {
		return nil, suiterr.Wrap(suiterr.Authentication, "decrypt filter get", err)
	}
	defer zero(key)

	aead, err := newAEAD(info.Algorithm, key)
	if err != nil {
		return nil, err
	}
	if len(info.IV) != aead.NonceSize() {
		return nil, suiterr.Newf(suiterr.Inval, "decrypt filter get", "IV of %d bytes, want %d", len(info.IV), aead.NonceSize())
	}
	return &Filter{
		inner: inner,
		aead:  aead,
		iv:    append([]byte(nil), info.IV...),
		aad:   append([]byte(nil), info.AAD...),
	}, nil
}

func (f *Filter) Write(p []byte) error {
	if f.released || f.flushed {
		return suiterr.New(suiterr.IncorrectState, "decrypt filter write")
	}
	f.ciphertext = append(f.ciphertext, p...)
	return nil
}

// Flush authenticates the collected ciphertext and streams the plaintext
// into the wrapped sink, then flushes it.
func (f *Filter) Flush() error {
	if f.released {
		return suiterr.New(suiterr.IncorrectState, "decrypt filter flush")
	}
	if f.flushed {
		return nil
	}
	f.flushed = true

	plaintext, err := f.aead.Open(nil, f.iv, f.ciphertext, f.aad)
	zero(f.ciphertext)
	f.ciphertext = nil
	if err != nil {
		return suiterr.Wrap(suiterr.Authentication, "decrypt filter flush", err)
	}
	defer zero(plaintext)

	if len(plaintext) > 0 {
		if err := f.inner.Write(plaintext); err != nil {
			return err
		}
	}
	if sink.CanFlush(f.inner) {
		return sink.Flush(f.inner)
	}
	return nil
}

// Erase drops collected ciphertext and erases the wrapped sink.
func (f *Filter) Erase() error {
	if f.released {
		return suiterr.New(suiterr.IncorrectState, "decrypt filter erase")
	}
	zero(f.ciphertext)
	f.ciphertext = f.ciphertext[:0]
	return sink.Erase(f.inner)
}

// UsedStorage reports the plaintext bytes held by the wrapped sink.
func (f *Filter) UsedStorage() (int, error) {
	if f.released {
		return 0, suiterr.New(suiterr.IncorrectState, "decrypt filter used storage")
	}
	return sink.UsedStorage(f.inner)
}

func (f *Filter) Release() error {
	if f.released {
		return suiterr.New(suiterr.Inval, "decrypt filter release")
	}
	f.released = true
	zero(f.ciphertext)
	f.ciphertext = nil
	f.aead = nil
	return f.inner.Release()
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
