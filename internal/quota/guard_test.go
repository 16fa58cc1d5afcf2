package quota

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/clipforge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	used     int
	err      error
	gotFrom  time.Time
	gotTo    time.Time
	gotOwner string
}

func (f *fakeCounter) CountJobsCreatedBetween(_ context.Context, ownerID string, from, to time.Time) (int, error) {
	f.gotOwner, f.gotFrom, f.gotTo = ownerID, from, to
	return f.used, f.err
}

type recordingSink struct {
	alerts []Alert
	err    error
}

func (r *recordingSink) QuotaAlert(_ context.Context, alert Alert) error {
	r.alerts = append(r.alerts, alert)
	return r.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock(t time.Time) Option {
	return WithClock(func() time.Time { return t })
}

func TestWindow(t *testing.T) {
	tests := []struct {
		name      string
		at        time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "mid month",
			at:        time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
			wantStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "december rolls the year",
			at:        time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC),
			wantStart: time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "non utc input is normalised",
			at:        time.Date(2026, 5, 1, 1, 0, 0, 0, time.FixedZone("KST", 9*3600)),
			wantStart: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := Window(tt.at)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantEnd, end)
		})
	}
}

func TestGuard_Admit(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	resetAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		plan         domain.Plan
		used         int
		wantLimit    int
		wantExceeded bool
	}{
		{name: "first free job", plan: domain.PlanFree, used: 0, wantLimit: 20},
		{name: "last free slot", plan: domain.PlanFree, used: 19, wantLimit: 20},
		{name: "free limit reached", plan: domain.PlanFree, used: 20, wantLimit: 20, wantExceeded: true},
		{name: "over limit", plan: domain.PlanFree, used: 25, wantLimit: 20, wantExceeded: true},
		{name: "pro tier", plan: domain.PlanPro, used: 499, wantLimit: 500},
		{name: "agency tier at limit", plan: domain.PlanAgency, used: 2000, wantLimit: 2000, wantExceeded: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter := &fakeCounter{used: tt.used}
			guard := NewGuard(Config{}, discardLogger(), fixedClock(now))

			adm, err := guard.Admit(context.Background(), counter, "owner-1", tt.plan)

			assert.Equal(t, "owner-1", counter.gotOwner)
			assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), counter.gotFrom)
			assert.Equal(t, resetAt, counter.gotTo)

			assert.Equal(t, tt.wantLimit, adm.Limit)
			assert.Equal(t, tt.used, adm.Used)
			assert.Equal(t, max(0, tt.wantLimit-tt.used), adm.Remaining)
			assert.Equal(t, resetAt, adm.ResetAt)
			assert.Equal(t, tt.wantExceeded, adm.Exceeded)

			if !tt.wantExceeded {
				require.NoError(t, err)
				return
			}

			var qe *domain.QuotaExceededError
			require.ErrorAs(t, err, &qe)
			assert.Equal(t, tt.wantLimit, qe.Limit)
			assert.Equal(t, tt.used, qe.Used)
			assert.Equal(t, resetAt, qe.ResetAt)
		})
	}
}

func TestGuard_Thresholds(t *testing.T) {
	guard := NewGuard(Config{}, discardLogger())

	tests := []struct {
		used            int
		wantApproaching bool
		wantExhausted   bool
	}{
		{used: 15},
		{used: 16, wantApproaching: true},
		{used: 19, wantApproaching: true},
		{used: 20, wantApproaching: true, wantExhausted: true},
	}

	for _, tt := range tests {
		adm, err := guard.Usage(context.Background(), &fakeCounter{used: tt.used}, "o", domain.PlanFree)
		require.NoError(t, err)
		assert.Equal(t, tt.wantApproaching, adm.Approaching, "used=%d", tt.used)
		assert.Equal(t, tt.wantExhausted, adm.Exhausted, "used=%d", tt.used)
	}
}

func TestGuard_ConfiguredLimits(t *testing.T) {
	guard := NewGuard(Config{Limits: Limits{domain.PlanFree: 2}}, discardLogger())

	assert.Equal(t, 2, guard.Limit(domain.PlanFree))
	assert.Equal(t, DefaultProLimit, guard.Limit(domain.PlanPro))
	assert.Equal(t, 2, guard.Limit(domain.Plan("enterprise")))
}

func TestGuard_CounterError(t *testing.T) {
	guard := NewGuard(Config{}, discardLogger())

	_, err := guard.Admit(context.Background(), &fakeCounter{err: errors.New("db down")}, "o", domain.PlanFree)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to count jobs")
}

func TestGuard_Observe(t *testing.T) {
	ctx := context.Background()

	t.Run("alerts once per crossing", func(t *testing.T) {
		sink := &recordingSink{}
		guard := NewGuard(Config{}, discardLogger(), WithAlertSink(sink))

		before, err := guard.Usage(ctx, &fakeCounter{used: 15}, "o", domain.PlanFree)
		require.NoError(t, err)
		guard.Observe(ctx, "o", before, guard.Consumed(before))
		require.Len(t, sink.alerts, 1)
		assert.Equal(t, AlertApproaching, sink.alerts[0].Level)
		assert.Equal(t, 16, sink.alerts[0].Used)

		next, err := guard.Usage(ctx, &fakeCounter{used: 16}, "o", domain.PlanFree)
		require.NoError(t, err)
		guard.Observe(ctx, "o", next, guard.Consumed(next))
		assert.Len(t, sink.alerts, 1, "no repeat alert inside the band")

		last, err := guard.Usage(ctx, &fakeCounter{used: 19}, "o", domain.PlanFree)
		require.NoError(t, err)
		guard.Observe(ctx, "o", last, guard.Consumed(last))
		require.Len(t, sink.alerts, 2)
		assert.Equal(t, AlertExhausted, sink.alerts[1].Level)
	})

	t.Run("sink errors are swallowed", func(t *testing.T) {
		sink := &recordingSink{err: errors.New("broker down")}
		guard := NewGuard(Config{}, discardLogger(), WithAlertSink(sink))

		before := Admission{Plan: domain.PlanFree, Limit: 20, Used: 19, Approaching: true}
		after := guard.Consumed(before)
		assert.NotPanics(t, func() { guard.Observe(ctx, "o", before, after) })
		assert.Len(t, sink.alerts, 1)
	})
}
