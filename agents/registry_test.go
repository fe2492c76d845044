package agents

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stringOf(c byte, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = c
	}
	return string(b)
}

func mustParseTime(t *testing.T, value string) time.Time {
	parsed, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return parsed
}

func TestRegistryPublishRetire(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, uint64(0), r.Generation())

	_, err := r.Publish("agent1", []byte(sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Generation())

	snapshot := r.Snapshot()
	entry, ok := snapshot.Get("agent1")
	require.True(t, ok)
	assert.Equal(t, "agent1", entry.Name)
	assert.Equal(t, 1, snapshot.Len())

	assert.True(t, r.Retire("agent1"))
	assert.Equal(t, uint64(2), r.Generation())
	assert.False(t, r.Retire("agent1"), "second retire is a no-op")
	assert.Equal(t, uint64(2), r.Generation())
}

func TestRegistryRejectsInvalidConfig(t *testing.T) {
	r := NewRegistry()

	_, err := r.Publish("agent1", []byte(`{"creatives": []}`))
	assert.Error(t, err)
	assert.Equal(t, uint64(0), r.Generation(), "failed publish must not bump the generation")

	_, err = r.Publish("", []byte(sampleConfig))
	assert.Error(t, err)
}

func TestRegistrySnapshotIsImmutable(t *testing.T) {
	r := NewRegistry()
	_, err := r.Publish("agent1", []byte(sampleConfig))
	require.NoError(t, err)

	before := r.Snapshot()
	_, err = r.Publish("agent2", []byte(sampleConfig))
	require.NoError(t, err)

	_, ok := before.Get("agent2")
	assert.False(t, ok, "older snapshot must not see later publishes")
	assert.Equal(t, 2, r.Snapshot().Len())
}

func TestRegistrySubscribers(t *testing.T) {
	r := NewRegistry()

	var notified []string
	r.Subscribe(func(generation uint64, name string, cfg *AgentConfig) {
		if cfg != nil {
			notified = append(notified, "publish:"+name)
		} else {
			notified = append(notified, "retire:"+name)
		}
	})

	_, err := r.Publish("agent1", []byte(sampleConfig))
	require.NoError(t, err)
	r.Retire("agent1")

	assert.Equal(t, []string{"publish:agent1", "retire:agent1"}, notified)
}

func TestRegistryAllOrdered(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mike"} {
		_, err := r.Publish(name, []byte(sampleConfig))
		require.NoError(t, err)
	}

	var names []string
	for _, e := range r.Snapshot().All() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"alpha", "mike", "zeta"}, names)
}

func TestUserPartitionMatches(t *testing.T) {
	partition := UserPartition{
		HashOn:        HashExchangeID,
		Modulus:       100,
		IncludeRanges: []Interval{{First: 0, Last: 100}},
	}
	require.NoError(t, partition.Validate())

	ids := map[string]string{"exchange": "user-1"}
	assert.True(t, partition.Matches(ids, "", ""), "full range accepts everyone")

	partition.IncludeRanges = []Interval{{First: 0, Last: 0}}
	assert.Error(t, partition.Validate(), "empty interval is invalid")

	// Deterministic: the same id always lands on the same side.
	partition.IncludeRanges = []Interval{{First: 0, Last: 50}}
	first := partition.Matches(ids, "", "")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, partition.Matches(ids, "", ""))
	}

	missing := partition.Matches(map[string]string{}, "", "")
	assert.False(t, missing, "missing id never matches")
}

func TestTagExpression(t *testing.T) {
	testCases := []struct {
		expr     string
		tags     []string
		expected bool
	}{
		{expr: "", tags: nil, expected: true},
		{expr: "sports", tags: []string{"sports"}, expected: true},
		{expr: "sports", tags: []string{"news"}, expected: false},
		{expr: "sports AND news", tags: []string{"sports", "news"}, expected: true},
		{expr: "sports AND news", tags: []string{"sports"}, expected: false},
		{expr: "sports OR news", tags: []string{"news"}, expected: true},
		{expr: "NOT gambling", tags: []string{"sports"}, expected: true},
		{expr: "NOT gambling", tags: []string{"gambling"}, expected: false},
		{expr: "sports AND NOT (gambling OR adult)", tags: []string{"sports"}, expected: true},
		{expr: "sports AND NOT (gambling OR adult)", tags: []string{"sports", "adult"}, expected: false},
	}
	for _, tc := range testCases {
		expr, err := ParseTagExpression(tc.expr)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.expected, expr.Matches(NewTags(tc.tags...)), "expr %q tags %v", tc.expr, tc.tags)
	}

	for _, bad := range []string{"AND", "a AND", "(a", "a )", "NOT"} {
		_, err := ParseTagExpression(bad)
		assert.Error(t, err, bad)
	}
}
