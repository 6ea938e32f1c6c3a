package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/crucible-run/crucible/internal/statestore"
)

// Namespace bookkeeping lives in the statestore so instance counters
// survive restarts and are shared by every component using the same
// backend.
const (
	claimNamespace = "registry"
	claimKey       = "namespaces"
)

// ClaimNamespace allocates the next namespace instance for a component,
// e.g. "editor-1" then "editor-2". Two live instances of the same
// component never share a namespace, so invalidating one cannot cancel
// the other's pending entries.
func ClaimNamespace(ctx context.Context, s statestore.Store, component string) (string, error) {
	counters, err := s.Get(ctx, claimNamespace, claimKey)
	if errors.Is(err, statestore.ErrNotFound) {
		counters = statestore.Value{}
	} else if err != nil {
		return "", fmt.Errorf("read namespace counters: %w", err)
	}

	// JSON round-trips numbers as float64.
	n := 0
	if v, ok := counters[component].(float64); ok {
		n = int(v)
	}
	n++

	if _, err := s.Merge(ctx, claimNamespace, claimKey, statestore.Value{component: n}); err != nil {
		return "", fmt.Errorf("claim namespace: %w", err)
	}
	return fmt.Sprintf("%s-%d", component, n), nil
}
