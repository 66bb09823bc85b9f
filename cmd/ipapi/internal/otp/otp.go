// Package otp issues and verifies single-use numeric login codes.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"
)

const (
	// CodeLength is the number of digits in a login code.
	CodeLength = 6
	// DefaultTTL is how long a code stays valid after it is issued.
	DefaultTTL = 5 * time.Minute
)

var (
	ErrCodeAlreadyOutstanding = errors.New("login code already outstanding")
	ErrCodeNotFound           = errors.New("no login code found")
	ErrCodeExpired            = errors.New("login code expired")
	ErrCodeMismatch           = errors.New("login code mismatch")
)

// Registry holds at most one outstanding code per identity.
//
// Request fails with ErrCodeAlreadyOutstanding while an unexpired code exists.
// Verify consumes the code on success, removes it on expiry detection and
// keeps it on a mismatch.
type Registry interface {
	Request(ctx context.Context, identity string) (string, error)
	Verify(ctx context.Context, identity, code string) error
}

// Generator produces a fresh code.
type Generator func() (string, error)

var codeSpace = big.NewInt(1_000_000)

// GenerateCode draws a uniformly random six digit code from crypto/rand.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", CodeLength, n.Int64()), nil
}

type options struct {
	ttl      time.Duration
	now      func() time.Time
	generate Generator
}

// Option configures a registry.
type Option func(*options)

// WithTTL sets the code validity window.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock overrides the registry time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithGenerator overrides code generation.
func WithGenerator(g Generator) Option {
	return func(o *options) { o.generate = g }
}

func buildOptions(opts []Option) options {
	o := options{ttl: DefaultTTL, now: time.Now, generate: GenerateCode}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
