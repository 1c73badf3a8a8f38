package vocab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planartrack/engine/descriptor"
	"github.com/planartrack/engine/target"
)

func descSet(base byte, n int) []descriptor.Descriptor {
	out := make([]descriptor.Descriptor, n)
	for i := 0; i < n; i++ {
		out[i] = descriptor.Descriptor{base, byte(i % 8)}
	}
	return out
}

func TestBuildProducesVocabularyAndBoW(t *testing.T) {
	perTarget := map[string][]descriptor.Descriptor{
		"a": descSet(0, 20),
		"b": descSet(200, 20),
	}
	cfg := BuildConfig{BranchingFactor: 4, Levels: 2, MinKeypoints: 10, Seed1: 1, Seed2: 2}

	v, bow, report, err := Build(perTarget, cfg)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Greater(t, len(v.Words), 0)
	assert.Equal(t, 2, report.TotalTargets)
	assert.Empty(t, report.TargetsBelowKeypointThreshold)
	assert.Contains(t, bow, "a")
	assert.Contains(t, bow, "b")
}

func TestBuildFlagsThinTargets(t *testing.T) {
	perTarget := map[string][]descriptor.Descriptor{
		"thin": descSet(0, 3),
		"full": descSet(100, 30),
	}
	cfg := BuildConfig{BranchingFactor: 4, Levels: 2, MinKeypoints: 10, Seed1: 1, Seed2: 2}

	_, _, report, err := Build(perTarget, cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"thin"}, report.TargetsBelowKeypointThreshold)
}

func TestBuildDeterministic(t *testing.T) {
	perTarget := map[string][]descriptor.Descriptor{
		"a": descSet(0, 40),
		"b": descSet(128, 40),
		"c": descSet(255, 40),
	}
	cfg := BuildConfig{BranchingFactor: 3, Levels: 3, MinKeypoints: 1, Seed1: 7, Seed2: 9}

	v1, bow1, _, err := Build(perTarget, cfg)
	require.NoError(t, err)
	v2, bow2, _, err := Build(perTarget, cfg)
	require.NoError(t, err)

	require.Equal(t, len(v1.Words), len(v2.Words))
	for i := range v1.Words {
		assert.Equal(t, v1.Words[i].Centroid, v2.Words[i].Centroid)
		assert.Equal(t, v1.Words[i].IDF, v2.Words[i].IDF)
	}
	assert.Equal(t, bow1, bow2)
}

func TestQueryBypassesScoringBelowK(t *testing.T) {
	entries := []*target.Entry{
		{Target: &target.Target{ID: "a"}},
		{Target: &target.Target{ID: "b"}},
	}
	v := &Vocabulary{Words: []Word{{Centroid: descriptor.Descriptor{0}}}}
	candidates := Query(v, entries, nil, QueryConfig{TopK: 5, MinSimilarity: 0.1})
	assert.Len(t, candidates, 2)
}

func TestQueryRanksBySimilarityThenID(t *testing.T) {
	v := &Vocabulary{Words: []Word{
		{Centroid: descriptor.Descriptor{0}, IDF: 1},
		{Centroid: descriptor.Descriptor{255}, IDF: 1},
	}}
	entries := []*target.Entry{
		{Target: &target.Target{ID: "z", BoW: map[uint32]float32{0: 1}}},
		{Target: &target.Target{ID: "a", BoW: map[uint32]float32{0: 1}}},
		{Target: &target.Target{ID: "m", BoW: map[uint32]float32{1: 1}}},
		{Target: &target.Target{ID: "extra1"}},
		{Target: &target.Target{ID: "extra2"}},
	}
	frame := []descriptor.Descriptor{{0}, {0}, {0}}
	candidates := Query(v, entries, frame, QueryConfig{TopK: 2, MinSimilarity: 0.01})
	require.Len(t, candidates, 2)
	assert.Equal(t, "a", candidates[0].TargetID)
	assert.Equal(t, "z", candidates[1].TargetID)
}

func TestCosineSimOrthogonal(t *testing.T) {
	a := map[uint32]float32{0: 1}
	b := map[uint32]float32{1: 1}
	assert.Equal(t, 0.0, cosineSim(a, b))
}
