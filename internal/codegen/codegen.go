// Package codegen issues claim codes and verification PINs.
//
// Codes look like CPN-20260315-7KQ2M9XD4R: a UTC date prefix followed by ten
// Crockford base32 characters drawn from crypto/rand. The date only helps
// humans; uniqueness comes from the 50 random bits, and the database's unique
// index on the code catches the remaining collision chance.
package codegen

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"time"
)

const (
	codePrefix    = "CPN"
	randomLength  = 10
	pinLength     = 6
	crockfordBase = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

var pinSpace = big.NewInt(1_000_000)

type Generator struct {
	random io.Reader
	now    func() time.Time
}

func New() *Generator {
	return &Generator{random: rand.Reader, now: time.Now}
}

// Generate returns a fresh claim code and a 6-digit PIN.
func (g *Generator) Generate() (code string, pin string, err error) {
	buf := make([]byte, randomLength)
	if _, err := io.ReadFull(g.random, buf); err != nil {
		return "", "", fmt.Errorf("read random code: %w", err)
	}
	// 256 is a multiple of 32, so masking keeps every symbol equally likely.
	for i, b := range buf {
		buf[i] = crockfordBase[b&31]
	}
	code = fmt.Sprintf("%s-%s-%s", codePrefix, g.now().UTC().Format("20060102"), buf)

	n, err := rand.Int(g.random, pinSpace)
	if err != nil {
		return "", "", fmt.Errorf("read random pin: %w", err)
	}
	pin = fmt.Sprintf("%0*d", pinLength, n.Int64())
	return code, pin, nil
}
