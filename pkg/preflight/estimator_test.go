package preflight_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"cynsta/spendguard/pkg/config"
	"cynsta/spendguard/pkg/ledger"
	"cynsta/spendguard/pkg/ledger/storage"
	"cynsta/spendguard/pkg/preflight"
	"cynsta/spendguard/pkg/pricing"
	"cynsta/spendguard/pkg/providers"
	"cynsta/spendguard/pkg/telemetry/metrics"
)

const subunit = pricing.MicrosPerSubunit

// One subunit per token keeps the arithmetic readable.
func testTable() *pricing.Table {
	return &pricing.Table{
		SchemaVersion: 1,
		Version:       "test-1",
		Currency:      "USD",
		Models: []pricing.ModelPrice{
			{
				Provider:        "openai",
				Model:           "flat",
				MinOutputTokens: 1200,
				Rates: pricing.Rates{
					pricing.DimInput:  subunit,
					pricing.DimOutput: subunit,
				},
			},
			{
				Provider: "openai",
				Model:    "tiered",
				Rates: pricing.Rates{
					pricing.DimInput:  subunit,
					pricing.DimOutput: 2 * subunit,
				},
				Tiers: []pricing.Tier{{
					Name:            "long_context",
					AtOrAboveTokens: 2000,
					Rates: pricing.Rates{
						pricing.DimInput:  2 * subunit,
						pricing.DimOutput: 4 * subunit,
					},
				}},
			},
			{
				Provider:               "anthropic",
				Model:                  "cache-heavy",
				DefaultMaxOutputTokens: 500,
				Rates: pricing.Rates{
					pricing.DimInput:      1_500_000,
					pricing.DimCacheWrite: 1_875_000,
					pricing.DimOutput:     subunit,
					pricing.DimReasoning:  3 * subunit,
				},
			},
			{
				Provider: "gemini",
				Model:    "fractional",
				Rates: pricing.Rates{
					pricing.DimInput:  333,
					pricing.DimOutput: 1001,
				},
			},
			{
				Provider: "gemini",
				Model:    "no-input",
				Rates: pricing.Rates{
					pricing.DimOutput: subunit,
				},
			},
		},
	}
}

type fixture struct {
	est     *preflight.Estimator
	ledger  *ledger.Ledger
	metrics *metrics.Collector
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, ledger.Options{})
}

func newFixtureWith(t *testing.T, opts ledger.Options) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	m := metrics.NewCollector(&config.MetricsConfig{Enabled: true}, nil)
	opts.Metrics = m
	l := ledger.New(store, opts)
	est := preflight.New(pricing.NewStaticRegistry(testTable()), l, preflight.Options{
		MinOutputTokens:        16,
		DefaultMaxOutputTokens: 4096,
		Metrics:                m,
	})
	return &fixture{est: est, ledger: l, metrics: m}
}

func (f *fixture) agent(t *testing.T, limit int64) string {
	t.Helper()
	a, _, err := f.ledger.CreateAgent(context.Background(), "agent", limit)
	require.NoError(t, err)
	return a.ID
}

func (f *fixture) budget(t *testing.T, agentID string) ledger.Budget {
	t.Helper()
	st, err := f.ledger.Status(context.Background(), agentID)
	require.NoError(t, err)
	return st.Budget
}

func call(provider, model string, input, maxOut int64) *providers.NormalizedCall {
	return &providers.NormalizedCall{
		Provider:                 provider,
		Model:                    model,
		Endpoint:                 providers.EndpointChatCompletions,
		EstimatedInputTokens:     input,
		RequestedMaxOutputTokens: maxOut,
	}
}

func TestEstimate_RejectsWhenMinimumOutputDoesNotFit(t *testing.T) {
	f := newFixture(t)
	agent := f.agent(t, 5000)

	// input 4000 + minimum output 1200 > 5000
	d, err := f.est.Estimate(context.Background(), agent, call("openai", "flat", 4000, 2000))
	require.NoError(t, err)
	require.False(t, d.Approved)
	require.Equal(t, preflight.ReasonInsufficientBudget, d.Reason)
	require.Nil(t, d.Token)
	require.Equal(t, int64(4000*subunit), d.Quote.InputMicros)
	require.Equal(t, int64(1200*subunit), d.Quote.MinOutputMicros)

	b := f.budget(t, agent)
	require.Zero(t, b.Reserved)
	require.Zero(t, b.Spent)

	run, err := f.ledger.GetRun(context.Background(), d.RunID)
	require.NoError(t, err)
	require.Equal(t, ledger.StateRejected, run.State)
	require.Equal(t, preflight.ReasonInsufficientBudget, run.Reason)
}

func TestEstimate_ClampsOutputToRemainingBudget(t *testing.T) {
	f := newFixture(t)
	agent := f.agent(t, 5000)

	// input costs 1000, the full 8000 output tokens would cost 8000
	d, err := f.est.Estimate(context.Background(), agent, call("openai", "flat", 1000, 8000))
	require.NoError(t, err)
	require.True(t, d.Approved)
	require.Equal(t, int64(4000), d.ClampedMaxOutputTokens)
	require.True(t, d.Quote.Clamped())
	require.LessOrEqual(t, d.Quote.InputMicros+d.ClampedMaxOutputTokens*d.Quote.OutputRateMicros, int64(5000*subunit))
	require.Equal(t, int64(5000), d.Quote.Reserve)

	require.NotNil(t, d.Token)
	require.Equal(t, d.Quote.Reserve, d.Token.Amount)
	b := f.budget(t, agent)
	require.Equal(t, int64(5000), b.Reserved)

	run, err := f.ledger.GetRun(context.Background(), d.RunID)
	require.NoError(t, err)
	require.Equal(t, ledger.StateReserved, run.State)
	require.Equal(t, int64(4000), run.ClampedMaxOutputTokens)
}

func TestEstimate_NoClampWhenBudgetCovers(t *testing.T) {
	f := newFixture(t)
	agent := f.agent(t, 100_000)

	d, err := f.est.Estimate(context.Background(), agent, call("openai", "flat", 1000, 2000))
	require.NoError(t, err)
	require.True(t, d.Approved)
	require.Equal(t, int64(2000), d.ClampedMaxOutputTokens)
	require.False(t, d.Quote.Clamped())
	require.Equal(t, int64(3000), d.Quote.Reserve)
}

func TestEstimate_ExactMinimumFits(t *testing.T) {
	f := newFixture(t)
	agent := f.agent(t, 5200)

	d, err := f.est.Estimate(context.Background(), agent, call("openai", "flat", 4000, 2000))
	require.NoError(t, err)
	require.True(t, d.Approved)
	require.Equal(t, int64(1200), d.ClampedMaxOutputTokens)
	require.Equal(t, int64(5200), d.Quote.Reserve)
	require.Zero(t, f.budget(t, agent).Remaining())
}

func TestEstimate_TierThresholdUsesWorseTier(t *testing.T) {
	tests := []struct {
		name     string
		input    int64
		maxOut   int64
		wantTier string
		wantIn   int64
		wantOut  int64
	}{
		{"below threshold", 1000, 999, pricing.BaseTier, subunit, 2 * subunit},
		{"exactly at threshold", 1000, 1000, "long_context", 2 * subunit, 4 * subunit},
		{"above threshold", 1500, 1000, "long_context", 2 * subunit, 4 * subunit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			agent := f.agent(t, 1_000_000)

			d, err := f.est.Estimate(context.Background(), agent, call("openai", "tiered", tt.input, tt.maxOut))
			require.NoError(t, err)
			require.True(t, d.Approved)
			require.Equal(t, tt.wantTier, d.Quote.Tier)
			require.Equal(t, tt.wantIn, d.Quote.InputRateMicros)
			require.Equal(t, tt.wantOut, d.Quote.OutputRateMicros)
		})
	}
}

func TestEstimate_WorstCaseRates(t *testing.T) {
	f := newFixture(t)
	agent := f.agent(t, 1_000_000)

	// No output cap: the model default of 500 applies. Input is priced at the
	// cache-write rate, output at the reasoning rate.
	d, err := f.est.Estimate(context.Background(), agent, call("anthropic", "cache-heavy", 1000, 0))
	require.NoError(t, err)
	require.True(t, d.Approved)
	require.Equal(t, int64(500), d.Quote.RequestedOutputTokens)
	require.Equal(t, int64(1_875_000), d.Quote.InputRateMicros)
	require.Equal(t, int64(3*subunit), d.Quote.OutputRateMicros)
	require.Equal(t, int64(1875+1500), d.Quote.Reserve)
}

func TestEstimate_ReserveRoundsUpOnce(t *testing.T) {
	f := newFixture(t)
	agent := f.agent(t, 1_000_000)

	// 1000*333 + 1000*1001 = 1,334,000 micros -> 2 subunits
	d, err := f.est.Estimate(context.Background(), agent, call("gemini", "fractional", 1000, 1000))
	require.NoError(t, err)
	require.True(t, d.Approved)
	require.Equal(t, int64(1_334_000), d.Quote.WorstCaseMicros)
	require.Equal(t, int64(2), d.Quote.Reserve)
}

func TestEstimate_DefaultOutputFromConfig(t *testing.T) {
	f := newFixture(t)
	agent := f.agent(t, 1_000_000)

	d, err := f.est.Estimate(context.Background(), agent, call("openai", "flat", 10, 0))
	require.NoError(t, err)
	require.True(t, d.Approved)
	require.Equal(t, int64(4096), d.ClampedMaxOutputTokens)
}

func TestEstimate_RunAlreadyActive(t *testing.T) {
	f := newFixture(t)
	agent := f.agent(t, 100_000)

	first, err := f.est.Estimate(context.Background(), agent, call("openai", "flat", 100, 100))
	require.NoError(t, err)
	require.True(t, first.Approved)

	second, err := f.est.Estimate(context.Background(), agent, call("openai", "flat", 100, 100))
	require.NoError(t, err)
	require.False(t, second.Approved)
	require.Equal(t, preflight.ReasonRunAlreadyActive, second.Reason)
	require.Equal(t, int64(200), f.budget(t, agent).Reserved)

	n, err := testutil.GatherAndCount(f.metrics.Registry(), "spendguard_preflight_decisions_total")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestEstimate_ActiveRunStarvingBudgetReportsActiveRun(t *testing.T) {
	f := newFixture(t)
	agent := f.agent(t, 5000)

	first, err := f.est.Estimate(context.Background(), agent, call("openai", "flat", 1000, 8000))
	require.NoError(t, err)
	require.True(t, first.Approved)

	second, err := f.est.Estimate(context.Background(), agent, call("openai", "flat", 100, 100))
	require.NoError(t, err)
	require.False(t, second.Approved)
	require.Equal(t, preflight.ReasonRunAlreadyActive, second.Reason)
}

func TestEstimate_WaitPolicyRequotesAfterActiveRun(t *testing.T) {
	f := newFixtureWith(t, ledger.Options{Policy: ledger.Wait, Wait: 2 * time.Second, PollInterval: 5 * time.Millisecond})
	agent := f.agent(t, 5000)
	ctx := context.Background()

	first, err := f.est.Estimate(ctx, agent, call("openai", "flat", 1000, 8000))
	require.NoError(t, err)
	require.True(t, first.Approved)
	require.Equal(t, int64(5000), f.budget(t, agent).Reserved)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = f.ledger.Release(ctx, first.Token, "done")
	}()

	second, err := f.est.Estimate(ctx, agent, call("openai", "flat", 100, 100))
	require.NoError(t, err)
	require.True(t, second.Approved, "reason: %s", second.Reason)
	require.False(t, second.Quote.Clamped())
	require.Equal(t, int64(200), f.budget(t, agent).Reserved)
}

func TestEstimate_WaitPolicyTimesOut(t *testing.T) {
	f := newFixtureWith(t, ledger.Options{Policy: ledger.Wait, Wait: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	agent := f.agent(t, 5000)

	first, err := f.est.Estimate(context.Background(), agent, call("openai", "flat", 1000, 8000))
	require.NoError(t, err)
	require.True(t, first.Approved)

	second, err := f.est.Estimate(context.Background(), agent, call("openai", "flat", 100, 100))
	require.NoError(t, err)
	require.False(t, second.Approved)
	require.Equal(t, preflight.ReasonRunAlreadyActive, second.Reason)
}

func TestEstimate_Errors(t *testing.T) {
	f := newFixture(t)
	agent := f.agent(t, 5000)

	tests := []struct {
		name    string
		agent   string
		call    *providers.NormalizedCall
		wantErr error
	}{
		{"unknown model", agent, call("openai", "missing", 10, 10), pricing.ErrPricingGap},
		{"missing input rate", agent, call("gemini", "no-input", 10, 10), pricing.ErrPricingGap},
		{"unknown agent", "nope", call("openai", "flat", 10, 10), ledger.ErrAgentNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := f.est.Estimate(context.Background(), tt.agent, tt.call)
			require.ErrorIs(t, err, tt.wantErr)
			require.Nil(t, d)
		})
	}

	runs, err := f.ledger.ListRuns(context.Background(), ledger.RunFilter{AgentID: agent})
	require.NoError(t, err)
	require.Empty(t, runs, "pricing errors must not record runs")
}

func TestEstimate_PricingUnavailable(t *testing.T) {
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	l := ledger.New(store, ledger.Options{})
	a, _, err := l.CreateAgent(context.Background(), "agent", 5000)
	require.NoError(t, err)

	est := preflight.New(pricing.NewRegistry(nil, pricing.RegistryOptions{}), l, preflight.Options{})
	_, err = est.Estimate(context.Background(), a.ID, call("openai", "flat", 10, 10))
	require.True(t, errors.Is(err, pricing.ErrPricingUnavailable), "got %v", err)
	require.Zero(t, budgetOf(t, l, a.ID).Reserved)
}

func budgetOf(t *testing.T, l *ledger.Ledger, agentID string) ledger.Budget {
	t.Helper()
	st, err := l.Status(context.Background(), agentID)
	require.NoError(t, err)
	return st.Budget
}

func TestQuote_DoesNotReserve(t *testing.T) {
	f := newFixture(t)

	q, err := f.est.Quote(call("openai", "flat", 1000, 8000), 5000)
	require.NoError(t, err)
	require.True(t, q.Fits())
	require.Equal(t, int64(4000), q.ClampedMaxOutputTokens)

	q, err = f.est.Quote(call("openai", "flat", 4000, 8000), 5000)
	require.NoError(t, err)
	require.False(t, q.Fits())
	require.Zero(t, q.Reserve)
}
