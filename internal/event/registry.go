package event

import (
	"fmt"
	"sort"
	"sync"
)

// Catalog names for the canonical topics. The short name is what configuration
// and contracts refer to; the registry expands it into the fully qualified
// topic for the configured environment.
const (
	// TopicPatternStore carries pattern store commands (apply transition / upsert).
	TopicPatternStore = "pattern-store"

	// TopicPatternStored announces a newly stored pattern version.
	TopicPatternStored = "pattern-stored"

	// TopicPatternPromoted announces a lifecycle promotion.
	TopicPatternPromoted = "pattern-promoted"

	// TopicPatternDemoted announces a lifecycle demotion.
	TopicPatternDemoted = "pattern-demoted"

	// TopicPatternLifecycleTransitioned announces any applied transition.
	TopicPatternLifecycleTransitioned = "pattern-lifecycle-transitioned"

	// TopicSessionOutcome carries feedback intake commands.
	TopicSessionOutcome = "session-outcome"

	// TopicPatternMetricsUpdated announces rolling-metric updates.
	TopicPatternMetricsUpdated = "pattern-metrics-updated"

	// TopicDecisionRecorded carries decision record emission commands.
	TopicDecisionRecorded = "decision-recorded"

	// TopicDecisionMismatchDetected announces detected L1/L2 conflicts.
	TopicDecisionMismatchDetected = "decision-mismatch-detected"
)

// Spec describes one registered topic: its identity and partition strategy.
type Spec struct {
	Topic        Topic
	Partitioning Partitioning
}

// Registry maps short topic names to fully qualified topics for one
// environment. It is populated at startup and frozen before the dispatcher
// starts consuming; all lookups after Freeze are lock-free reads.
type Registry struct {
	mu      sync.Mutex
	env     string
	specs   map[string]Spec
	aliases map[string]string
	frozen  bool
}

// NewRegistry creates an empty registry for the given environment prefix.
func NewRegistry(env string) *Registry {
	return &Registry{
		env:     env,
		specs:   make(map[string]Spec),
		aliases: make(map[string]string),
	}
}

// Register adds a topic under its short name. Fails after Freeze.
func (r *Registry) Register(name string, kind Kind, domain string, version int, partitioning Partitioning) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}

	if _, exists := r.specs[name]; exists {
		return fmt.Errorf("%w: %s", ErrTopicAlreadyRegistered, name)
	}

	r.specs[name] = Spec{
		Topic:        NewTopic(r.env, kind, domain, name, version),
		Partitioning: partitioning,
	}

	return nil
}

// RegisterAlias maps an alternative short name onto a canonical one.
//
// Aliases are registry-level redirects: there is exactly one handler behind
// the canonical name, never a duplicate.
func (r *Registry) RegisterAlias(alias, canonical string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}

	if _, exists := r.specs[canonical]; !exists {
		return fmt.Errorf("%w: alias %q targets unregistered topic %q", ErrTopicUnknown, alias, canonical)
	}

	r.aliases[alias] = canonical

	return nil
}

// Freeze makes the registry immutable. Changes after this point require a
// full restart.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frozen = true
}

// Frozen reports whether the registry has been frozen.
func (r *Registry) Frozen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.frozen
}

// Lookup resolves a short name (or alias) to its registered spec.
func (r *Registry) Lookup(name string) (Spec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}

	spec, ok := r.specs[name]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrTopicUnknown, name)
	}

	return spec, nil
}

// Names returns all registered short names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// NewDefaultRegistry builds the canonical topic catalog for an environment
// and freezes it.
//
// Command topics that mutate a single pattern's state partition on the
// signature hash; fan-out event topics use round-robin.
func NewDefaultRegistry(env string) *Registry {
	r := NewRegistry(env)

	// Registration of the built-in catalog cannot fail on a fresh registry.
	_ = r.Register(TopicPatternStore, KindCommand, "pattern-store", 1, PartitionByPatternKey)
	_ = r.Register(TopicSessionOutcome, KindCommand, "feedback", 1, PartitionByPatternKey)
	_ = r.Register(TopicDecisionRecorded, KindCommand, "decision", 1, PartitionRoundRobin)

	_ = r.Register(TopicPatternStored, KindEvent, "pattern-store", 1, PartitionRoundRobin)
	_ = r.Register(TopicPatternPromoted, KindEvent, "pattern-store", 1, PartitionRoundRobin)
	_ = r.Register(TopicPatternDemoted, KindEvent, "pattern-store", 1, PartitionRoundRobin)
	_ = r.Register(TopicPatternLifecycleTransitioned, KindEvent, "pattern-store", 1, PartitionRoundRobin)
	_ = r.Register(TopicPatternMetricsUpdated, KindEvent, "feedback", 1, PartitionRoundRobin)
	_ = r.Register(TopicDecisionMismatchDetected, KindEvent, "decision", 1, PartitionRoundRobin)

	r.Freeze()

	return r
}
