package bus

import (
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onex-io/substrate/internal/event"
)

func TestBalancerFor(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.IsType(t, &kafka.Hash{}, balancerFor(event.PartitionByPatternKey))
	assert.IsType(t, &kafka.RoundRobin{}, balancerFor(event.PartitionRoundRobin))
}

func TestKafkaPublisher_PartitioningFor(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	registry := event.NewDefaultRegistry("test")

	pub, err := NewKafkaPublisher(NewConfigForBrokers("localhost:9092"), registry, nil)
	require.NoError(t, err)

	storeSpec, err := registry.Lookup(event.TopicPatternStore)
	require.NoError(t, err)
	assert.Equal(t, event.PartitionByPatternKey, pub.partitioningFor(storeSpec.Topic))

	storedSpec, err := registry.Lookup(event.TopicPatternStored)
	require.NoError(t, err)
	assert.Equal(t, event.PartitionRoundRobin, pub.partitioningFor(storedSpec.Topic))

	// Unregistered topics fall back to round-robin.
	unknown := event.NewTopic("test", event.KindEvent, "other", "unknown", 1)
	assert.Equal(t, event.PartitionRoundRobin, pub.partitioningFor(unknown))
}

func TestKafkaPublisher_ClosedRejectsWrites(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	pub, err := NewKafkaPublisher(NewConfigForBrokers("localhost:9092"), nil, nil)
	require.NoError(t, err)
	require.NoError(t, pub.Close())

	_, err = pub.writerFor("test.onex.evt.pattern-store.pattern-stored.v1", event.PartitionRoundRobin)
	assert.Error(t, err)
}
