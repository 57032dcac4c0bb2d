package evidence

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// VaultStoreFactory builds both stores a durable backend provides, so a
// registered scheme keeps its version trail on the same backend as its
// records. Returning a nil LedgerStore opts into the in-memory trail.
type VaultStoreFactory func(dsn string) (VaultStore, LedgerStore, error)
type CaseLockerFactory func(dsn string) (CaseLocker, error)

var storeFactoryRegistry = struct {
	mu              sync.RWMutex
	vaultFactories  map[string]VaultStoreFactory
	lockerFactories map[string]CaseLockerFactory
}{
	vaultFactories:  map[string]VaultStoreFactory{},
	lockerFactories: map[string]CaseLockerFactory{},
}

func RegisterVaultStoreFactory(scheme string, factory VaultStoreFactory) {
	scheme = normalizeStoreScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.vaultFactories[scheme] = factory
}

func RegisterCaseLockerFactory(scheme string, factory CaseLockerFactory) {
	scheme = normalizeStoreScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.lockerFactories[scheme] = factory
}

func lookupVaultStoreFactory(scheme string) (VaultStoreFactory, bool) {
	scheme = normalizeStoreScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.vaultFactories[scheme]
	return factory, ok
}

func lookupCaseLockerFactory(scheme string) (CaseLockerFactory, bool) {
	scheme = normalizeStoreScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.lockerFactories[scheme]
	return factory, ok
}

func normalizeStoreScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildStoresFromDSN resolves the vault and ledger stores from one DSN.
// Postgres DSNs share a single connection pool between the two.
func BuildStoresFromDSN(dsn string) (VaultStore, LedgerStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryVaultStore(), NewMemoryLedgerStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, nil, err
	}
	scheme := normalizeStoreScheme(parsed.Scheme)
	if factory, ok := lookupVaultStoreFactory(scheme); ok {
		vault, ledger, err := factory(dsn)
		if err != nil {
			return nil, nil, err
		}
		if ledger == nil {
			ledger = NewMemoryLedgerStore()
		}
		return vault, ledger, nil
	}
	switch scheme {
	case "", "memory", "mem", "inmem":
		return NewMemoryVaultStore(), NewMemoryLedgerStore(), nil
	case "postgres", "postgresql":
		vault, err := NewPostgresVaultStore(dsn)
		if err != nil {
			return nil, nil, err
		}
		return vault, NewPostgresLedgerStore(vault), nil
	default:
		return nil, nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

// BuildCaseLockerFromDSN resolves the lock arena. An empty DSN keeps the
// locks in process memory; a redis DSN distributes them.
func BuildCaseLockerFromDSN(dsn string) (CaseLocker, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryCaseLocker(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeStoreScheme(parsed.Scheme)
	if factory, ok := lookupCaseLockerFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryCaseLocker(), nil
	case "redis":
		password, _ := parsed.User.Password()
		db := 0
		if path := strings.TrimPrefix(parsed.Path, "/"); path != "" {
			db, err = strconv.Atoi(path)
			if err != nil {
				return nil, invalidInput("redis db index %q", path)
			}
		}
		return NewRedisCaseLocker(parsed.Host, password, db)
	default:
		return nil, fmt.Errorf("unsupported lock scheme: %s", scheme)
	}
}
