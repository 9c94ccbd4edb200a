package event

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind segregates commands (intent) from events (fact) and dead letters.
type Kind string

const (
	// KindCommand marks a topic carrying intent.
	KindCommand Kind = "cmd"

	// KindEvent marks a topic carrying fact.
	KindEvent Kind = "evt"

	// KindDeadLetter marks a topic receiving non-retryable or exhausted-retry envelopes.
	KindDeadLetter Kind = "dlq"
)

// Partitioning selects how a topic's envelopes map to bus partitions.
type Partitioning int

const (
	// PartitionByPatternKey hashes the envelope's partition key (the pattern
	// signature hash) so one lineage is always handled in order.
	PartitionByPatternKey Partitioning = iota

	// PartitionRoundRobin distributes fan-out notifications with no ordering
	// guarantee across keys.
	PartitionRoundRobin
)

// Sentinel errors for topic parsing and registry lookups.
var (
	// ErrTopicMalformed indicates a topic string does not match the canonical form.
	ErrTopicMalformed = errors.New("malformed topic: expected {env}.onex.{kind}.{domain}.{name}.v{N}")

	// ErrTopicUnknown indicates a lookup for a topic the registry does not hold.
	ErrTopicUnknown = errors.New("unknown topic")

	// ErrRegistryFrozen indicates a mutation attempt after startup.
	ErrRegistryFrozen = errors.New("topic registry is frozen after startup")

	// ErrTopicAlreadyRegistered indicates a duplicate registration.
	ErrTopicAlreadyRegistered = errors.New("topic already registered")
)

// topicNameRegex validates the name and domain segments: lowercase
// alphanumerics and hyphens, starting with a letter.
var topicNameRegex = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// Topic is the parsed canonical topic identity.
//
// Canonical form: {env}.onex.{kind}.{domain}.{name}.v{N}
// Examples:
//
//	prod.onex.cmd.pattern-store.apply-transition.v1
//	prod.onex.evt.pattern-store.pattern-promoted.v1
//	prod.onex.dlq.pattern-store.v1
type Topic struct {
	Env     string
	Kind    Kind
	Domain  string
	Name    string
	Version int
}

// NewTopic builds a topic value; it does not register it.
func NewTopic(env string, kind Kind, domain, name string, version int) Topic {
	return Topic{Env: env, Kind: kind, Domain: domain, Name: name, Version: version}
}

// ParseTopic parses the canonical wire form into a Topic.
//
// Dead-letter topics omit the name segment: {env}.onex.dlq.{domain}.v{N}.
func ParseTopic(s string) (Topic, error) {
	parts := strings.Split(s, ".")

	const (
		dlqParts      = 5
		standardParts = 6
	)

	if len(parts) != standardParts && len(parts) != dlqParts {
		return Topic{}, fmt.Errorf("%w: %q", ErrTopicMalformed, s)
	}

	if parts[1] != "onex" {
		return Topic{}, fmt.Errorf("%w: %q (missing onex namespace)", ErrTopicMalformed, s)
	}

	kind := Kind(parts[2])

	switch kind {
	case KindCommand, KindEvent:
		if len(parts) != standardParts {
			return Topic{}, fmt.Errorf("%w: %q", ErrTopicMalformed, s)
		}
	case KindDeadLetter:
		if len(parts) != dlqParts {
			return Topic{}, fmt.Errorf("%w: %q", ErrTopicMalformed, s)
		}
	default:
		return Topic{}, fmt.Errorf("%w: %q (kind %q)", ErrTopicMalformed, s, parts[2])
	}

	versionSegment := parts[len(parts)-1]
	if !strings.HasPrefix(versionSegment, "v") {
		return Topic{}, fmt.Errorf("%w: %q (version segment %q)", ErrTopicMalformed, s, versionSegment)
	}

	version, err := strconv.Atoi(versionSegment[1:])
	if err != nil || version <= 0 {
		return Topic{}, fmt.Errorf("%w: %q (version segment %q)", ErrTopicMalformed, s, versionSegment)
	}

	topic := Topic{
		Env:     parts[0],
		Kind:    kind,
		Domain:  parts[3],
		Version: version,
	}

	if kind != KindDeadLetter {
		topic.Name = parts[4]
	}

	if topic.Env == "" || !topicNameRegex.MatchString(topic.Domain) {
		return Topic{}, fmt.Errorf("%w: %q", ErrTopicMalformed, s)
	}

	if kind != KindDeadLetter && !topicNameRegex.MatchString(topic.Name) {
		return Topic{}, fmt.Errorf("%w: %q", ErrTopicMalformed, s)
	}

	return topic, nil
}

// String renders the canonical wire form.
func (t Topic) String() string {
	if t.Kind == KindDeadLetter {
		return fmt.Sprintf("%s.onex.dlq.%s.v%d", t.Env, t.Domain, t.Version)
	}

	return fmt.Sprintf("%s.onex.%s.%s.%s.v%d", t.Env, t.Kind, t.Domain, t.Name, t.Version)
}

// IsZero reports whether the topic is the zero value.
func (t Topic) IsZero() bool {
	return t.Env == "" && t.Domain == "" && t.Name == ""
}

// DeadLetter returns the dead-letter topic for this topic's domain.
func (t Topic) DeadLetter() Topic {
	return Topic{Env: t.Env, Kind: KindDeadLetter, Domain: t.Domain, Version: 1}
}
