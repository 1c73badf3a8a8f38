package telemetry

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorWrapsCause(t *testing.T) {
	cause := errors.New("boom")
	err := New(KindMatchFailure, "t1", cause)
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "t1")
	assert.Contains(t, err.Error(), "match_failure")
}

func TestIsChecksKind(t *testing.T) {
	err := New(KindDatabaseCorrupt, "", errors.New("bad header"))
	assert.True(t, Is(err, KindDatabaseCorrupt))
	assert.False(t, Is(err, KindFlowFailure))
	assert.False(t, Is(fmt.Errorf("plain error"), KindFlowFailure))
}

func TestFatalKinds(t *testing.T) {
	assert.True(t, KindDatabaseCorrupt.Fatal())
	assert.True(t, KindStateInvariant.Fatal())
	assert.False(t, KindMatchFailure.Fatal())
	assert.False(t, KindInsufficientFeatures.Fatal())
}
