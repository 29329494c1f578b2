package ident

import (
	"crypto/rand"
	"math/big"
	"sync"
)

const (
	// Length is the fixed length of every remote object identifier.
	Length = 11

	letters      = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	alphanumeric = letters + "0123456789"
)

type Generator interface {
	Generate() string
}

// RandomGenerator draws identifiers from crypto/rand. No uniqueness check is
// made against the remote system.
type RandomGenerator struct{}

func (RandomGenerator) Generate() string {
	return Generate()
}

func Generate() string {
	buf := make([]byte, Length)
	buf[0] = letters[randIndex(len(letters))]
	for i := 1; i < Length; i++ {
		buf[i] = alphanumeric[randIndex(len(alphanumeric))]
	}
	return string(buf)
}

func IsValid(id string) bool {
	if len(id) != Length {
		return false
	}
	if !isLetter(id[0]) {
		return false
	}
	for i := 1; i < len(id); i++ {
		if !isLetter(id[i]) && !isDigit(id[i]) {
			return false
		}
	}
	return true
}

func randIndex(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		// crypto/rand only fails when the OS entropy source is gone.
		panic("ident: random source unavailable: " + err.Error())
	}
	return int(v.Int64())
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// FixedGenerator hands out predetermined identifiers in order and panics once
// they are exhausted, so a test that creates more objects than expected fails
// loudly.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.ids) {
		panic("ident: FixedGenerator exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// Issued reports how many identifiers have been handed out.
func (g *FixedGenerator) Issued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.idx
}
