// Package node defines the four handler archetypes and their contracts.
//
// A contract declares what a node subscribes to, what it may publish, and
// which archetype's discipline it runs under. The contract table is built at
// startup, validated against the topic registry, and frozen; drift between
// contracts and the registry is fatal.
package node

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/onex-io/substrate/internal/dispatch"
	"github.com/onex-io/substrate/internal/event"
)

// Kind is the closed set of handler archetypes.
type Kind string

const (
	// KindCompute is a pure function of its inputs. No I/O, no environment,
	// no store access, no event emission.
	KindCompute Kind = "compute"

	// KindEffect performs I/O. Effects are the only place external side
	// effects are permitted.
	KindEffect Kind = "effect"

	// KindReducer aggregates a stream of inputs into a new in-memory state.
	// Returns state rather than emitting events.
	KindReducer Kind = "reducer"

	// KindOrchestrator coordinates other nodes. No direct I/O beyond
	// dispatching sub-calls to delegates.
	KindOrchestrator Kind = "orchestrator"
)

// Contract errors.
var (
	// ErrContractInvalid indicates a structurally invalid contract.
	ErrContractInvalid = errors.New("invalid node contract")

	// ErrTableFrozen indicates a registration after Freeze.
	ErrTableFrozen = errors.New("contract table is frozen after startup")
)

type (
	// Contract declares one node's identity and topic surface. Subscribes
	// and Publishes name topics by their registry short names.
	Contract struct {
		Name       string
		Kind       Kind
		Subscribes []string
		Publishes  []string
		Handler    dispatch.Handler
	}

	// ContractDriftError reports every contract/registry inconsistency found
	// during startup validation. Any drift is fatal: the process must not
	// start with a routing table that disagrees with its contracts.
	ContractDriftError struct {
		Details []string
	}

	// Table is the frozen routing source: contract name to contract, and
	// subscribed topic to the single owning contract.
	Table struct {
		mu        sync.Mutex
		contracts map[string]Contract
		frozen    bool
	}
)

// Error implements the error interface.
func (e *ContractDriftError) Error() string {
	return fmt.Sprintf("contract drift detected (%d issues): %s",
		len(e.Details), strings.Join(e.Details, "; "))
}

// IsValid checks if the Kind is a known archetype.
func (k Kind) IsValid() bool {
	switch k {
	case KindCompute, KindEffect, KindReducer, KindOrchestrator:
		return true
	default:
		return false
	}
}

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// Validate checks the contract's structural invariants, including the
// archetype discipline: only effects publish events or handle subscriptions
// directly, compute and reducer nodes touch no topics at all.
func (c Contract) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is empty", ErrContractInvalid)
	}

	if !c.Kind.IsValid() {
		return fmt.Errorf("%w: unknown kind %q", ErrContractInvalid, c.Kind)
	}

	switch c.Kind {
	case KindCompute, KindReducer:
		if len(c.Subscribes) > 0 || len(c.Publishes) > 0 {
			return fmt.Errorf("%w: %s node %q must not declare topics", ErrContractInvalid, c.Kind, c.Name)
		}

		if c.Handler != nil {
			return fmt.Errorf("%w: %s node %q must not register a dispatch handler", ErrContractInvalid, c.Kind, c.Name)
		}

	case KindOrchestrator:
		if len(c.Publishes) > 0 {
			return fmt.Errorf("%w: orchestrator %q publishes via delegates only", ErrContractInvalid, c.Name)
		}

	case KindEffect:
		if len(c.Subscribes) > 0 && c.Handler == nil {
			return fmt.Errorf("%w: effect %q subscribes but has no handler", ErrContractInvalid, c.Name)
		}
	}

	return nil
}

// NewTable creates an empty contract table.
func NewTable() *Table {
	return &Table{contracts: make(map[string]Contract)}
}

// Register adds a contract. Fails after Freeze.
func (t *Table) Register(c Contract) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.frozen {
		return ErrTableFrozen
	}

	if err := c.Validate(); err != nil {
		return err
	}

	if _, exists := t.contracts[c.Name]; exists {
		return fmt.Errorf("%w: duplicate contract %q", ErrContractInvalid, c.Name)
	}

	t.contracts[c.Name] = c

	return nil
}

// Freeze makes the table immutable.
func (t *Table) Freeze() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.frozen = true
}

// Contracts returns all registered contracts sorted by name.
func (t *Table) Contracts() []Contract {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Contract, 0, len(t.contracts))
	for _, c := range t.contracts {
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Validate checks every contract's topic references against the registry and
// the exactly-one-handler rule for subscribed topics. Returns a
// ContractDriftError listing all issues, or nil.
func (t *Table) Validate(registry *event.Registry) error {
	var details []string

	subscribers := make(map[string][]string)

	for _, c := range t.Contracts() {
		for _, name := range c.Subscribes {
			if _, err := registry.Lookup(name); err != nil {
				details = append(details, fmt.Sprintf("contract %q subscribes to unknown topic %q", c.Name, name))

				continue
			}

			subscribers[name] = append(subscribers[name], c.Name)
		}

		for _, name := range c.Publishes {
			if _, err := registry.Lookup(name); err != nil {
				details = append(details, fmt.Sprintf("contract %q publishes to unknown topic %q", c.Name, name))
			}
		}
	}

	// Every envelope routes to exactly one handler.
	for topic, owners := range subscribers {
		if len(owners) > 1 {
			sort.Strings(owners)
			details = append(details, fmt.Sprintf("topic %q has %d subscribers (%s), expected exactly one",
				topic, len(owners), strings.Join(owners, ", ")))
		}
	}

	if len(details) > 0 {
		sort.Strings(details)

		return &ContractDriftError{Details: details}
	}

	return nil
}

// Subscriptions materializes dispatch subscriptions for every subscribing
// contract. Validate must have passed first.
func (t *Table) Subscriptions(registry *event.Registry) ([]dispatch.Subscription, error) {
	if err := t.Validate(registry); err != nil {
		return nil, err
	}

	var subs []dispatch.Subscription

	for _, c := range t.Contracts() {
		for _, name := range c.Subscribes {
			spec, err := registry.Lookup(name)
			if err != nil {
				return nil, err
			}

			subs = append(subs, dispatch.Subscription{
				Name:    c.Name + "." + name,
				Topic:   spec.Topic,
				Handler: c.Handler,
			})
		}
	}

	return subs, nil
}
