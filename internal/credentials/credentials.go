// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

// Package credentials resolves per-tool secrets and injects them into
// outbound requests. Secrets never appear in audit entries, errors, or
// logs; only the key name does.
package credentials

import (
	"net/http"
	"os"
	"strings"

	"github.com/zalando/go-keyring"

	bderr "github.com/backdesk-ai/backdesk/pkg/errors"
)

// Store resolves a secret by service and key.
type Store interface {
	Retrieve(service, key string) (string, error)
}

// KeyringStore implements Store on the OS keyring via zalando/go-keyring.
// macOS uses Keychain, Linux secret-service (D-Bus), Windows the
// Credential Manager.
type KeyringStore struct{}

// NewKeyringStore returns a KeyringStore.
func NewKeyringStore() *KeyringStore { return &KeyringStore{} }

func (s *KeyringStore) Retrieve(service, key string) (string, error) {
	if service == "" || key == "" {
		return "", bderr.New(bderr.CodeCredentialInvalidInput, "credential retrieve: service and key must not be empty")
	}

	val, err := keyring.Get(service, key)
	if err != nil {
		if err == keyring.ErrNotFound {
			return "", bderr.Errorf(bderr.CodeCredentialNotFound, "credential %s/%s not found", service, key)
		}
		return "", bderr.Wrapf(err, bderr.CodeCredentialStoreFailure, "retrieving credential %s/%s", service, key)
	}
	return val, nil
}

// EnvStore implements Store on environment variables, for headless
// deployments without a keyring daemon. The lookup key is
// "<SERVICE>_<KEY>" uppercased with non-alphanumerics folded to "_".
type EnvStore struct{}

// NewEnvStore returns an EnvStore.
func NewEnvStore() *EnvStore { return &EnvStore{} }

func (s *EnvStore) Retrieve(service, key string) (string, error) {
	if service == "" || key == "" {
		return "", bderr.New(bderr.CodeCredentialInvalidInput, "credential retrieve: service and key must not be empty")
	}

	name := envName(service, key)
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", bderr.Errorf(bderr.CodeCredentialNotFound, "credential env %s not set", name)
	}
	return val, nil
}

func envName(service, key string) string {
	fold := func(s string) string {
		var b strings.Builder
		for _, r := range strings.ToUpper(s) {
			if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			} else {
				b.WriteRune('_')
			}
		}
		return b.String()
	}
	return fold(service) + "_" + fold(key)
}

// Chain tries each store in order, returning the first hit. Not-found
// moves on to the next store; any other failure stops the chain.
type Chain struct {
	stores []Store
}

// NewChain builds a Chain over the given stores.
func NewChain(stores ...Store) *Chain { return &Chain{stores: stores} }

func (c *Chain) Retrieve(service, key string) (string, error) {
	var lastErr error
	for _, s := range c.stores {
		val, err := s.Retrieve(service, key)
		if err == nil {
			return val, nil
		}
		if !bderr.HasCode(err, bderr.CodeCredentialNotFound) {
			return "", err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = bderr.Errorf(bderr.CodeCredentialNotFound, "credential %s/%s not found", service, key)
	}
	return "", lastErr
}

// Injector authenticates outbound tool requests. The service namespace
// scopes one deployment's credentials in the shared OS keyring.
type Injector struct {
	store   Store
	service string
}

// NewInjector creates an Injector resolving from store under the given
// service namespace.
func NewInjector(store Store, service string) *Injector {
	if service == "" {
		service = "backdesk"
	}
	return &Injector{store: store, service: service}
}

// Inject resolves the tool's credential and sets it as a bearer token on
// the request. Tools without a stored credential go out unauthenticated;
// that is a not-found the adapter treats as non-fatal.
func (i *Injector) Inject(req *http.Request, toolName string) error {
	token, err := i.store.Retrieve(i.service, toolName)
	if err != nil {
		if bderr.HasCode(err, bderr.CodeCredentialNotFound) {
			return nil
		}
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
