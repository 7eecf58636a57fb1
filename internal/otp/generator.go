package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Generator produces fixed-width numeric verification codes from a
// cryptographically secure source. Leading zeros are valid: a 6-digit
// generator draws uniformly from 000000 to 999999.
type Generator struct {
	length int
}

func NewGenerator(length int) *Generator {
	if length <= 0 {
		length = 6
	}
	return &Generator{length: length}
}

// Generate returns a new code of exactly g.length digits.
func (g *Generator) Generate() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < g.length; i++ {
		max.Mul(max, big.NewInt(10))
	}

	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("failed to draw random code: %w", err)
	}

	return fmt.Sprintf("%0*d", g.length, n), nil
}

// Length returns the configured code width.
func (g *Generator) Length() int {
	return g.length
}
