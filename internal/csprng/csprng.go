// Package csprng provides the cryptographically secure random source used for
// message handles and random spool sampling.
//
// The default implementation is an AES-256-CTR keystream generator seeded once
// from the operating system entropy pool. Reading a keystream is much cheaper
// than hitting crypto/rand for every 9-byte handle, and a single seeded
// generator gives deterministic behaviour in tests via NewSeeded.
package csprng

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
)

// Source produces uniform random bytes and integers. Implementations must be
// safe for concurrent use.
type Source interface {
	// Bytes fills p with random bytes.
	Bytes(p []byte) error

	// Intn returns a uniform random integer in [0, n). It panics if n <= 0.
	Intn(n int) int
}

// Generator is an AES-CTR based Source.
type Generator struct {
	mu     sync.Mutex
	stream cipher.Stream
}

// New returns a Generator seeded from crypto/rand.
func New() (*Generator, error) {
	var seed [32 + aes.BlockSize]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("csprng: seed: %w", err)
	}
	return NewSeeded(seed[:32], seed[32:])
}

// NewSeeded returns a Generator with an explicit 32-byte key and 16-byte IV.
// Intended for tests that need a reproducible byte stream.
func NewSeeded(key, iv []byte) (*Generator, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("csprng: cipher: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("csprng: iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	return &Generator{stream: cipher.NewCTR(block, iv)}, nil
}

// Bytes fills p with keystream bytes.
func (g *Generator) Bytes(p []byte) error {
	for i := range p {
		p[i] = 0
	}
	g.mu.Lock()
	g.stream.XORKeyStream(p, p)
	g.mu.Unlock()
	return nil
}

// Intn returns a uniform random integer in [0, n) using rejection sampling,
// so small bounds carry no modulo bias.
func (g *Generator) Intn(n int) int {
	if n <= 0 {
		panic("csprng: Intn bound must be positive")
	}
	max := ^uint64(0) - ^uint64(0)%uint64(n)
	var buf [8]byte
	for {
		if err := g.Bytes(buf[:]); err != nil {
			// The keystream cannot fail after construction; Bytes only returns
			// an error to satisfy the Source interface.
			panic(fmt.Sprintf("csprng: %v", err))
		}
		v := binary.BigEndian.Uint64(buf[:])
		if v < max {
			return int(v % uint64(n))
		}
	}
}
