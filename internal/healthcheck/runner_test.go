package healthcheck

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticChecker []CheckResult

func (s staticChecker) ListChecks(context.Context) []CheckResult { return s }

func TestRunnerAggregatesWorstStatus(t *testing.T) {
	t.Parallel()

	r := NewRunner(
		staticChecker{{ID: "a", Status: StatusOK}},
		nil,
		staticChecker{{ID: "b", Status: StatusWarn}, {ID: "c", Status: StatusOK}},
	)
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	report := r.Run(context.Background())
	assert.Equal(t, StatusWarn, report.Status)
	assert.Equal(t, fixed, report.CheckedAt)
	require.Len(t, report.Checks, 3)
	assert.Equal(t, "b", report.Checks[1].ID)
}

func TestRunnerEmpty(t *testing.T) {
	t.Parallel()

	report := NewRunner().Run(context.Background())
	assert.Equal(t, StatusOK, report.Status)
	assert.NotNil(t, report.Checks)
}

func TestRunnerCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := NewRunner(staticChecker{{ID: "a", Status: StatusOK}}).Run(ctx)
	assert.Equal(t, StatusUnknown, report.Status)
	assert.Empty(t, report.Checks)
}

func TestWorst(t *testing.T) {
	t.Parallel()

	cases := []struct {
		a, b, want string
	}{
		{StatusOK, StatusOK, StatusOK},
		{StatusOK, StatusError, StatusError},
		{StatusError, StatusWarn, StatusError},
		{StatusWarn, StatusUnknown, StatusWarn},
		{StatusOK, "bogus", StatusUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Worst(tc.a, tc.b), "%s vs %s", tc.a, tc.b)
	}
}
