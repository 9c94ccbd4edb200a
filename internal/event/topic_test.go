package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTopic_Canonical(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name  string
		input string
		want  Topic
	}{
		{
			"command topic",
			"prod.onex.cmd.pattern-store.pattern-store.v1",
			Topic{Env: "prod", Kind: KindCommand, Domain: "pattern-store", Name: "pattern-store", Version: 1},
		},
		{
			"event topic",
			"staging.onex.evt.feedback.pattern-metrics-updated.v2",
			Topic{Env: "staging", Kind: KindEvent, Domain: "feedback", Name: "pattern-metrics-updated", Version: 2},
		},
		{
			"dlq topic omits name",
			"prod.onex.dlq.pattern-store.v1",
			Topic{Env: "prod", Kind: KindDeadLetter, Domain: "pattern-store", Version: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTopic(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.input, got.String(), "String() must round-trip the wire form")
		})
	}
}

func TestParseTopic_Malformed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"missing segments", "prod.onex.cmd"},
		{"wrong namespace", "prod.kafka.cmd.pattern-store.upsert.v1"},
		{"unknown kind", "prod.onex.qry.pattern-store.upsert.v1"},
		{"missing version prefix", "prod.onex.cmd.pattern-store.upsert.1"},
		{"zero version", "prod.onex.cmd.pattern-store.upsert.v0"},
		{"dlq with name segment", "prod.onex.dlq.pattern-store.extra.v1"},
		{"uppercase domain", "prod.onex.cmd.PatternStore.upsert.v1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTopic(tt.input)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrTopicMalformed)
		})
	}
}

func TestTopicDeadLetter_MapsDomain(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cmd := NewTopic("prod", KindCommand, "feedback", "session-outcome", 3)
	dlq := cmd.DeadLetter()

	assert.Equal(t, "prod.onex.dlq.feedback.v1", dlq.String())
}
