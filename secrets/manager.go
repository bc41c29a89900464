// Package secrets stores per-pipeline credentials (registry tokens,
// analysis server tokens, kubeconfig material) and hands them to the
// engine as env-style parameters at dispatch time.
package secrets

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// Scope names the pipeline a secret belongs to.
type Scope string

type Secret[T any] struct {
	Key       string
	Value     T
	Scope     Scope
	CreatedAt time.Time
	CreatedBy string
}

// the secret is not present
type LockedSecret = Secret[struct{}]

// the secret is present in plaintext, never expose this publicly,
// only use when building stage parameters
type UnlockedSecret = Secret[string]

type Manager interface {
	AddSecret(ctx context.Context, secret UnlockedSecret) error
	RemoveSecret(ctx context.Context, secret Secret[any]) error
	GetSecretsLocked(ctx context.Context, scope Scope) ([]LockedSecret, error)
	GetSecretsUnlocked(ctx context.Context, scope Scope) ([]UnlockedSecret, error)
}

// Stopper interface for managers that need cleanup
type Stopper interface {
	Stop()
}

var ErrKeyAlreadyPresent = errors.New("key already present")
var ErrInvalidKeyIdent = errors.New("key is not a valid identifier")
var ErrKeyNotFound = errors.New("key not found")

// ensure that we are satisfying the interface
var (
	_ = []Manager{
		&SqliteManager{},
		&OpenBaoManager{},
	}
)

var (
	// env identifier syntax
	keyIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

func isValidKey(key string) bool {
	if key == "" {
		return false
	}
	return keyIdent.MatchString(key)
}

func ValidateKey(key string) error {
	if !isValidKey(key) {
		return ErrInvalidKeyIdent
	}
	return nil
}
