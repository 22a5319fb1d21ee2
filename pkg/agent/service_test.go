package agent_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/vcmatrix/pkg/agent"
	"github.com/otherjamesbrown/vcmatrix/pkg/agent/agenttest"
	"github.com/otherjamesbrown/vcmatrix/pkg/companies"
	"github.com/otherjamesbrown/vcmatrix/pkg/companies/companiestest"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/integrations/fx"
	"github.com/otherjamesbrown/vcmatrix/pkg/integrations/tavily"
	"github.com/otherjamesbrown/vcmatrix/pkg/matrix"
	"github.com/otherjamesbrown/vcmatrix/pkg/matrix/matrixtest"
	"github.com/otherjamesbrown/vcmatrix/pkg/rl"
	"github.com/otherjamesbrown/vcmatrix/pkg/rl/rltest"
	"github.com/otherjamesbrown/vcmatrix/pkg/valuation"
)

type fakeSearch struct {
	query string
	opts  tavily.Options
}

func (f *fakeSearch) Search(_ context.Context, q string, opts tavily.Options) (*tavily.Response, error) {
	f.query, f.opts = q, opts
	return &tavily.Response{
		Query:   q,
		Answer:  "Acme closed a Series B.",
		Results: []tavily.Result{{Title: "Acme raises", URL: "https://news.example.com/acme", Content: "Acme raised $20M."}},
	}, nil
}

type fakeFX struct{}

func (fakeFX) Convert(_ context.Context, amount float64, from, to string) (*fx.Conversion, error) {
	return &fx.Conversion{Amount: amount, From: from, To: to, Rate: 1.1, Converted: amount * 1.1}, nil
}

type fakeCalc struct{ input string }

func (f *fakeCalc) ShortAnswer(_ context.Context, input string) (string, error) {
	f.input = input
	return "42", nil
}

type fakeLLM struct{ prompts []agent.Prompt }

func (f *fakeLLM) Complete(_ context.Context, p agent.Prompt) (*agent.Completion, error) {
	f.prompts = append(f.prompts, p)
	return &agent.Completion{Text: "Here is what I know.", Model: "test"}, nil
}

type fixture struct {
	svc       *agent.Service
	store     *agenttest.Store
	companies *companiestest.Store
	matrix    *matrix.Service
	memory    *rl.Memory
	search    *fakeSearch
	calc      *fakeCalc
	llm       *fakeLLM
	acme      *companies.Company
}

func newFixture(t *testing.T, mutate func(*agent.Deps)) *fixture {
	t.Helper()
	acme := &companies.Company{
		Name:             "Acme",
		Stage:            companies.StageSeriesA,
		Sector:           "fintech",
		CurrentARR:       companiestest.Ptr(1_200_000.0),
		RevenueGrowthPct: companiestest.Ptr(120.0),
		BurnRateMonthly:  companiestest.Ptr(100_000.0),
		CashInBank:       companiestest.Ptr(1_200_000.0),
		Headcount:        companiestest.Ptr(42),
		TotalInvested:    companiestest.Ptr(2_000_000.0),
		OwnershipPct:     companiestest.Ptr(10.0),
		CurrentValuation: companiestest.Ptr(30_000_000.0),
	}
	globex := &companies.Company{Name: "Globex", Stage: companies.StageSeed, Sector: "logistics"}
	cs := companiestest.New(acme, globex)
	ms := matrix.NewService(matrixtest.New(cs), cs, nil)
	memory := rl.NewMemory(rltest.New(), rl.MemoryConfig{})

	f := &fixture{
		store:     agenttest.New(),
		companies: cs,
		matrix:    ms,
		memory:    memory,
		search:    &fakeSearch{},
		calc:      &fakeCalc{},
		llm:       &fakeLLM{},
		acme:      acme,
	}
	deps := agent.Deps{
		Valuer:     valuation.NewService(cs, valuation.ServiceConfig{}),
		Cells:      ms,
		Search:     f.search,
		FX:         fakeFX{},
		Calculator: f.calc,
		LLM:        f.llm,
	}
	if mutate != nil {
		mutate(&deps)
	}
	f.svc = agent.NewService(f.store, cs, agent.Config{Deps: deps, Memory: memory})
	return f
}

func (f *fixture) ask(t *testing.T, conversationID, message string) *agent.QueryResponse {
	t.Helper()
	resp, err := f.svc.Query(context.Background(), agent.QueryRequest{ConversationID: conversationID, Message: message})
	require.NoError(t, err)
	return resp
}

func TestQuery_CompanyLookupAndFollowUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	first := f.ask(t, "", "What's Acme's runway?")
	assert.Equal(t, agent.IntentCompanyLookup, first.Intent)
	assert.Contains(t, first.Markdown, "**Acme** runway: **12 months**")
	assert.Contains(t, first.HTML, "<table>")
	assert.NotEmpty(t, first.ExperienceID)
	require.NotEmpty(t, first.ConversationID)

	second := f.ask(t, first.ConversationID, "and its burn?")
	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.Equal(t, agent.IntentCompanyLookup, second.Intent)
	assert.Contains(t, second.Markdown, "**Acme** burn: **$100K**")

	conv, err := f.svc.Conversation(ctx, first.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, "What's Acme's runway?", conv.Title)
	assert.Equal(t, agent.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, agent.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, first.ExperienceID, conv.Messages[1].ExperienceID)
	require.NotNil(t, conv.State.FocusCompany)
	assert.Equal(t, "Acme", conv.State.FocusCompany.Name)
	assert.Equal(t, agent.IntentCompanyLookup, conv.State.LastIntent)
	assert.Equal(t, 1, f.store.Len())
}

func TestQuery_MatrixUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	resp := f.ask(t, "", "set Acme ARR to 5m")
	assert.Equal(t, agent.IntentMatrixUpdate, resp.Intent)
	assert.Contains(t, resp.Markdown, "to $5M")

	c, err := f.companies.Get(ctx, f.acme.ID.String())
	require.NoError(t, err)
	require.NotNil(t, c.CurrentARR)
	assert.InDelta(t, 5_000_000, *c.CurrentARR, 1e-6)

	edits, err := f.matrix.ListEdits(ctx, matrix.EditFilter{CompanyID: f.acme.ID.String()})
	require.NoError(t, err)
	require.Len(t, edits, 1)
	assert.Equal(t, matrix.SourceAgent, edits[0].Source)
}

func TestQuery_Valuation(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.ask(t, "", "Run a DCF valuation for Acme")
	assert.Equal(t, agent.IntentValuation, resp.Intent)
	results, ok := resp.Data.([]*valuation.Result)
	require.True(t, ok)
	require.Len(t, results, 1)
	assert.Equal(t, valuation.MethodDCF, results[0].Method)
	assert.Greater(t, results[0].Value, 0.0)
	assert.Contains(t, resp.Markdown, "| DCF |")
}

func TestQuery_ValidationBecomesReply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	resp := f.ask(t, "", "Run a DCF valuation")
	assert.Equal(t, agent.IntentValuation, resp.Intent)
	assert.Contains(t, resp.Markdown, "which company?")
	assert.NotContains(t, resp.Markdown, "validation error")

	matches, err := f.memory.Similar(ctx, "Run a DCF valuation", 1, 0.99)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.False(t, matches[0].Experience.Success)
}

func TestQuery_PortfolioFXSearchCalc(t *testing.T) {
	f := newFixture(t, nil)

	summary := f.ask(t, "", "Give me a portfolio overview")
	assert.Equal(t, agent.IntentPortfolioSummary, summary.Intent)
	assert.Contains(t, summary.Markdown, "2 companies")
	assert.Contains(t, summary.Markdown, "fintech")

	conv := f.ask(t, "", "convert 100 EUR to USD")
	assert.Equal(t, agent.IntentFXConversion, conv.Intent)
	assert.Contains(t, conv.Markdown, "100 EUR = **110 USD**")

	news := f.ask(t, "", "Any news about Acme competitors?")
	assert.Equal(t, agent.IntentMarketSearch, news.Intent)
	assert.Equal(t, "news", f.search.opts.Topic)
	assert.Equal(t, 1, strings.Count(f.search.query, "Acme"))
	assert.Contains(t, news.Markdown, "[Acme raises](https://news.example.com/acme)")
	assert.Contains(t, news.HTML, `href="https://news.example.com/acme"`)

	calc := f.ask(t, "", "calculate 2 * 21")
	assert.Equal(t, agent.IntentCalculation, calc.Intent)
	assert.Equal(t, "2 * 21", f.calc.input)
	assert.Contains(t, calc.Markdown, "**42**")
}

func TestQuery_General(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.ask(t, "", "hello there")
	assert.Equal(t, agent.IntentGeneral, resp.Intent)
	assert.Equal(t, "Here is what I know.", resp.Markdown)
	require.Len(t, f.llm.prompts, 1)
	assert.Contains(t, f.llm.prompts[0].System, "Portfolio: 2 companies")
	assert.Contains(t, f.llm.prompts[0].System, "Acme, Globex")
}

func TestQuery_GeneralWithoutLLM(t *testing.T) {
	f := newFixture(t, func(d *agent.Deps) { d.LLM = nil })

	_, err := f.svc.Query(context.Background(), agent.QueryRequest{Message: "hello there"})
	require.Error(t, err)
	assert.True(t, vcerrors.IsUnavailable(err))
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")
	assert.Zero(t, f.store.Len())
}

func TestQuery_FallsBackToLLM(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(d *agent.Deps) { d.Search = nil })

	resp := f.ask(t, "", "Any news about Acme competitors?")
	assert.Equal(t, agent.IntentMarketSearch, resp.Intent)
	assert.Equal(t, "Here is what I know.", resp.Markdown)

	matches, err := f.memory.Similar(ctx, "Any news about Acme competitors?", 1, 0.99)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.True(t, matches[0].Experience.UsedFallback)
}

func TestQuery_FeedbackSteersRouting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	q := "what's happening at Globex"

	first := f.ask(t, "", q)
	require.Equal(t, agent.IntentGeneral, first.Intent)

	exp, err := f.svc.Feedback(ctx, agent.FeedbackRequest{
		ExperienceID:    first.ExperienceID,
		Rating:          -1,
		CorrectedIntent: "market_search",
	})
	require.NoError(t, err)
	assert.Less(t, exp.Reward, 0.0)

	second := f.ask(t, "", q)
	assert.Equal(t, agent.IntentMarketSearch, second.Intent)
}

func TestFeedback_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	resp := f.ask(t, "", "hello there")

	_, err := f.svc.Feedback(ctx, agent.FeedbackRequest{ExperienceID: resp.ExperienceID, Rating: 1, CorrectedIntent: "weather"})
	assert.True(t, vcerrors.IsValidation(err))
	_, err = f.svc.Feedback(ctx, agent.FeedbackRequest{ExperienceID: resp.ExperienceID, Rating: 3})
	assert.True(t, vcerrors.IsValidation(err))

	exp, err := f.svc.Feedback(ctx, agent.FeedbackRequest{ExperienceID: resp.ExperienceID, Rating: 1})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, exp.Reward, 1e-9)

	noMemory := agent.NewService(agenttest.New(), f.companies, agent.Config{})
	_, err = noMemory.Feedback(ctx, agent.FeedbackRequest{ExperienceID: resp.ExperienceID, Rating: 1})
	assert.True(t, vcerrors.IsUnavailable(err))
}

func TestQuery_RequestValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.Query(ctx, agent.QueryRequest{Message: "   "})
	assert.True(t, vcerrors.IsValidation(err))
	_, err = f.svc.Query(ctx, agent.QueryRequest{Message: strings.Repeat("x", agent.MaxMessageLength+1)})
	assert.True(t, vcerrors.IsValidation(err))
	_, err = f.svc.Query(ctx, agent.QueryRequest{Message: "hi", ConversationID: "nope"})
	assert.True(t, vcerrors.IsValidation(err))
	_, err = f.svc.Query(ctx, agent.QueryRequest{Message: "hi", ConversationID: "6f1c1c2e-8f6a-4c1e-9a53-3f9c2b7d1e10"})
	assert.True(t, vcerrors.IsNotFound(err))
	_, err = f.svc.Query(ctx, agent.QueryRequest{Message: "hi", CompanyID: "6f1c1c2e-8f6a-4c1e-9a53-3f9c2b7d1e10"})
	assert.True(t, vcerrors.IsNotFound(err))
}

func TestQuery_ExplicitCompanyID(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := f.svc.Query(context.Background(), agent.QueryRequest{Message: "what is the headcount?", CompanyID: f.acme.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, agent.IntentCompanyLookup, resp.Intent)
	assert.Contains(t, resp.Markdown, "**Acme** headcount: **42**")
}

func TestSummarizeCompany(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, func(d *agent.Deps) { d.LLM = nil })
	text, err := f.svc.SummarizeCompany(ctx, f.acme)
	require.NoError(t, err)
	assert.Contains(t, text, "Acme is a series a fintech company with $1.2M ARR growing 120%")
	assert.Contains(t, text, "42 employees")
	assert.Contains(t, text, "We have invested $2M for 10% ownership.")

	withLLM := newFixture(t, nil)
	text, err = withLLM.svc.SummarizeCompany(ctx, withLLM.acme)
	require.NoError(t, err)
	assert.Equal(t, "Here is what I know.", text)
	require.Len(t, withLLM.llm.prompts, 1)
	assert.Contains(t, withLLM.llm.prompts[0].Query, "Acme")
}
