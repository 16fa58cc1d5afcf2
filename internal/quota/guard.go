// Package quota enforces the per-owner monthly job limit.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/clipforge/internal/domain"
)

// Default plan limits per calendar month
const (
	DefaultFreeLimit   = 20
	DefaultProLimit    = 500
	DefaultAgencyLimit = 2000

	DefaultWarningPercent   = 80.0
	DefaultExhaustedPercent = 100.0
)

// Limits maps each plan to its monthly job limit
type Limits map[domain.Plan]int

// DefaultLimits returns the standard tier limits
func DefaultLimits() Limits {
	return Limits{
		domain.PlanFree:   DefaultFreeLimit,
		domain.PlanPro:    DefaultProLimit,
		domain.PlanAgency: DefaultAgencyLimit,
	}
}

// Config holds guard settings
type Config struct {
	Limits           Limits
	WarningPercent   float64
	ExhaustedPercent float64
}

// JobCounter counts jobs an owner created in [from, to)
type JobCounter interface {
	CountJobsCreatedBetween(ctx context.Context, ownerID string, from, to time.Time) (int, error)
}

// AlertLevel names an observational usage threshold
type AlertLevel string

const (
	AlertApproaching AlertLevel = "approaching"
	AlertExhausted   AlertLevel = "exhausted"
)

// Alert is emitted when an owner's usage crosses a threshold
type Alert struct {
	OwnerID      string      `json:"owner_id"`
	Level        AlertLevel  `json:"level"`
	Plan         domain.Plan `json:"plan"`
	Limit        int         `json:"limit"`
	Used         int         `json:"used"`
	UsagePercent float64     `json:"usage_percent"`
	ResetAt      time.Time   `json:"reset_at"`
}

// AlertSink receives threshold alerts
type AlertSink interface {
	QuotaAlert(ctx context.Context, alert Alert) error
}

// Admission is the result of one quota check
type Admission struct {
	Plan         domain.Plan
	Limit        int
	Used         int
	Remaining    int
	WindowStart  time.Time
	ResetAt      time.Time
	Exceeded     bool
	UsagePercent float64
	Approaching  bool
	Exhausted    bool
}

// Guard computes admissions against plan limits
type Guard struct {
	limits    Limits
	warning   float64
	exhausted float64
	sink      AlertSink
	logger    *slog.Logger
	now       func() time.Time
}

// Option customizes the guard
type Option func(*Guard)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

// WithAlertSink delivers threshold alerts to sink
func WithAlertSink(sink AlertSink) Option {
	return func(g *Guard) {
		g.sink = sink
	}
}

// NewGuard creates a guard; zero config values fall back to defaults
func NewGuard(cfg Config, logger *slog.Logger, opts ...Option) *Guard {
	g := &Guard{
		limits:    DefaultLimits(),
		warning:   DefaultWarningPercent,
		exhausted: DefaultExhaustedPercent,
		logger:    logger,
		now:       time.Now,
	}
	for plan, limit := range cfg.Limits {
		g.limits[plan] = limit
	}
	if cfg.WarningPercent > 0 {
		g.warning = cfg.WarningPercent
	}
	if cfg.ExhaustedPercent > 0 {
		g.exhausted = cfg.ExhaustedPercent
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Window returns the calendar-month bucket containing t, in UTC
func Window(t time.Time) (start, end time.Time) {
	t = t.UTC()
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// Limit returns the monthly limit for plan; unknown plans get the free limit
func (g *Guard) Limit(plan domain.Plan) int {
	if limit, ok := g.limits[plan]; ok {
		return limit
	}
	return g.limits[domain.PlanFree]
}

// Admit decides whether owner may create one more job. counter is passed per
// call so the count can run inside the transaction that inserts the job.
func (g *Guard) Admit(ctx context.Context, counter JobCounter, ownerID string, plan domain.Plan) (Admission, error) {
	adm, err := g.Usage(ctx, counter, ownerID, plan)
	if err != nil {
		return Admission{}, err
	}

	if adm.Exceeded {
		g.logger.Warn("Quota exceeded, job creation denied",
			slog.String("owner_id", ownerID),
			slog.String("plan", string(plan)),
			slog.Int("limit", adm.Limit),
			slog.Int("used", adm.Used),
		)
		return adm, &domain.QuotaExceededError{
			Plan:      plan,
			Limit:     adm.Limit,
			Used:      adm.Used,
			Remaining: adm.Remaining,
			ResetAt:   adm.ResetAt,
		}
	}

	return adm, nil
}

// Usage reports the owner's standing without gating anything
func (g *Guard) Usage(ctx context.Context, counter JobCounter, ownerID string, plan domain.Plan) (Admission, error) {
	start, end := Window(g.now())

	used, err := counter.CountJobsCreatedBetween(ctx, ownerID, start, end)
	if err != nil {
		return Admission{}, fmt.Errorf("failed to count jobs in quota window: %w", err)
	}

	return g.admission(plan, used, start, end), nil
}

func (g *Guard) admission(plan domain.Plan, used int, start, end time.Time) Admission {
	limit := g.Limit(plan)
	adm := Admission{
		Plan:        plan,
		Limit:       limit,
		Used:        used,
		Remaining:   max(0, limit-used),
		WindowStart: start,
		ResetAt:     end,
		Exceeded:    used >= limit,
	}
	adm.UsagePercent = percent(used, limit)
	adm.Approaching = adm.UsagePercent >= g.warning
	adm.Exhausted = adm.UsagePercent >= g.exhausted
	return adm
}

// Consumed returns the admission as it stands after one more job
func (g *Guard) Consumed(adm Admission) Admission {
	return g.admission(adm.Plan, adm.Used+1, adm.WindowStart, adm.ResetAt)
}

// Observe emits an alert for each threshold crossed between before and after.
// Alert delivery failures are logged and never returned.
func (g *Guard) Observe(ctx context.Context, ownerID string, before, after Admission) {
	var levels []AlertLevel
	if !before.Approaching && after.Approaching {
		levels = append(levels, AlertApproaching)
	}
	if !before.Exhausted && after.Exhausted {
		levels = append(levels, AlertExhausted)
	}

	for _, level := range levels {
		alert := Alert{
			OwnerID:      ownerID,
			Level:        level,
			Plan:         after.Plan,
			Limit:        after.Limit,
			Used:         after.Used,
			UsagePercent: after.UsagePercent,
			ResetAt:      after.ResetAt,
		}

		g.logger.Info("Quota threshold crossed",
			slog.String("owner_id", ownerID),
			slog.String("level", string(level)),
			slog.Int("used", after.Used),
			slog.Int("limit", after.Limit),
		)

		if g.sink == nil {
			continue
		}
		if err := g.sink.QuotaAlert(ctx, alert); err != nil {
			g.logger.Warn("Failed to deliver quota alert",
				slog.String("owner_id", ownerID),
				slog.Any("error", err),
			)
		}
	}
}

func percent(used, limit int) float64 {
	if limit <= 0 {
		return 100
	}
	return float64(used) / float64(limit) * 100
}
