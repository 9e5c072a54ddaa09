package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Gate trip reasons, used as metric labels and event payloads.
const (
	limitTokens   = "tokens-per-minute"
	limitCost     = "cost-per-hour"
	limitAPICalls = "concurrent-api-calls"
	limitDispatch = "dispatch-rate"
)

// resourceGate enforces the aggregate resource limits. Token and cost
// counters are windowed with atomic resets; in-flight API calls are a plain
// atomic count; a token-bucket limiter smooths dispatch bursts so a queue
// backlog cannot flood downstream providers inside one window.
type resourceGate struct {
	limits   ResourceLimits
	dispatch *rate.Limiter

	tokensThisMinute atomic.Int64
	costMicroUSDHour atomic.Int64
	activeCalls      atomic.Int64

	mu          sync.Mutex
	minuteStart time.Time
	hourStart   time.Time
}

func newResourceGate(limits ResourceLimits) *resourceGate {
	burst := limits.MaxConcurrentAPICalls
	if burst <= 0 {
		burst = 10
	}
	now := time.Now()
	return &resourceGate{
		limits:      limits,
		dispatch:    rate.NewLimiter(rate.Limit(burst*2), burst),
		minuteStart: now,
		hourStart:   now,
	}
}

// refresh resets expired windows. Called at the top of every scheduler tick.
func (g *resourceGate) refresh(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if now.Sub(g.minuteStart) >= time.Minute {
		g.tokensThisMinute.Store(0)
		g.minuteStart = now
	}
	if now.Sub(g.hourStart) >= time.Hour {
		g.costMicroUSDHour.Store(0)
		g.hourStart = now
	}
}

// allow reports whether dispatch may proceed this tick; when it may not, the
// returned reason names the exhausted limit.
func (g *resourceGate) allow() (string, bool) {
	if g.limits.MaxTokensPerMinute > 0 && g.tokensThisMinute.Load() >= int64(g.limits.MaxTokensPerMinute) {
		return limitTokens, false
	}
	if g.limits.MaxCostPerHour > 0 && g.costMicroUSDHour.Load() >= int64(g.limits.MaxCostPerHour*1e6) {
		return limitCost, false
	}
	if g.limits.MaxConcurrentAPICalls > 0 && g.activeCalls.Load() >= int64(g.limits.MaxConcurrentAPICalls) {
		return limitAPICalls, false
	}
	return "", true
}

// allowDispatch admits one dispatch through the smoothing limiter.
func (g *resourceGate) allowDispatch() bool {
	return g.dispatch.Allow()
}

func (g *resourceGate) beginCall() { g.activeCalls.Add(1) }
func (g *resourceGate) endCall()   { g.activeCalls.Add(-1) }

// recordUsage attributes tokens and cost consumed by one finished task run.
func (g *resourceGate) recordUsage(tokens int, costUSD float64) {
	if tokens > 0 {
		g.tokensThisMinute.Add(int64(tokens))
	}
	if costUSD > 0 {
		g.costMicroUSDHour.Add(int64(costUSD * 1e6))
	}
}
