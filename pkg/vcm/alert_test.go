package vcm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlertTracker_SuppressesDuplicateWithinCooldown(t *testing.T) {
	tr := newAlertTracker(10)

	_, fired := tr.fire(SeverityHigh, "quality_regression", "gpt-4o|identity", "first")
	assert.True(t, fired)

	_, firedAgain := tr.fire(SeverityHigh, "quality_regression", "gpt-4o|identity", "second")
	assert.False(t, firedAgain, "a second alert for the same (kind, key) within the cooldown window must be suppressed")

	assert.Len(t, tr.snapshot(), 1)
}

func TestAlertTracker_DistinctKeysDoNotSuppressEachOther(t *testing.T) {
	tr := newAlertTracker(10)

	_, a := tr.fire(SeverityMedium, "threshold_breach", "gpt-4o|identity", "a")
	_, b := tr.fire(SeverityMedium, "threshold_breach", "gpt-4o|recovery", "b")

	assert.True(t, a)
	assert.True(t, b)
	assert.Len(t, tr.snapshot(), 2)
}

func TestAlertTracker_HistoryIsBounded(t *testing.T) {
	tr := newAlertTracker(3)
	for i := 0; i < 5; i++ {
		tr.fire(SeverityInfo, "k", string(rune('a'+i)), "detail")
	}
	assert.Len(t, tr.snapshot(), 3)
}
