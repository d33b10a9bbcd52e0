package scanner

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastomod/vigil/detect"
	"github.com/mastomod/vigil/mastodon"
	"github.com/mastomod/vigil/rules"
	"github.com/mastomod/vigil/store"
)

func analyzePayloadFor(t *testing.T, h *harness, upstreamID, acct, domain string, statuses []mastodon.Status) AnalyzePayload {
	t.Helper()
	ctx := context.Background()
	h.instance.statuses[upstreamID] = statuses

	dbAcct, err := h.store.UpsertAccount(ctx, upstreamID, acct, domain)
	require.NoError(t, err)
	res, _, err := h.scanner.ScanAccountEfficiently(ctx, dbAcct.ID, &mastodon.Account{ID: upstreamID, Acct: acct, Username: acct}, 0)
	require.NoError(t, err)
	return AnalyzePayload{AccountID: dbAcct.ID, UpstreamID: upstreamID, Acct: acct, Domain: domain, Result: res}
}

func TestAnalyzeEnforcesAndReports(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.addRule(t, spamKeywordRule(rules.ActionSilence, 1.5))

	payload := analyzePayloadFor(t, h, "42", "spammer", store.LocalDomain, []mastodon.Status{
		publicStatus("s1", "free casino chips"),
	})
	res, err := h.pipeline.AnalyzeAndMaybeReport(ctx, payload)
	assert.NoError(err)
	require.NotNil(t, res)

	// action applied once, report filed once
	assert.Equal(1, h.instance.count("/api/v1/admin/accounts/42/action"))
	assert.Equal(1, h.instance.count("/api/v1/reports"))

	// evidence persisted and the rule counter bumped
	var analyses []store.Analysis
	require.NoError(t, h.store.DB().Find(&analyses).Error)
	require.Len(t, analyses, 1)
	assert.Equal("spam-silence", analyses[0].RuleKey)
	assert.Equal(1.5, analyses[0].Score)
	require.NotNil(t, analyses[0].StatusID)
	assert.Equal("s1", *analyses[0].StatusID)

	rule, err := h.store.GetRuleByName(ctx, "spam-silence")
	assert.NoError(err)
	assert.EqualValues(1, rule.TriggerCount)

	// re-delivery of the same job: the report row dedupes the submission,
	// and the analysis row's dedupe key keeps evidence and counters stable
	_, err = h.pipeline.AnalyzeAndMaybeReport(ctx, payload)
	assert.NoError(err)
	assert.Equal(1, h.instance.count("/api/v1/reports"))

	require.NoError(t, h.store.DB().Find(&analyses).Error)
	assert.Len(analyses, 1)
	rule, err = h.store.GetRuleByName(ctx, "spam-silence")
	assert.NoError(err)
	assert.EqualValues(1, rule.TriggerCount)
}

func TestAnalyzeOneActionPerKind(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)

	// two silence rules both match; only the first applies its action
	h.addRule(t, spamKeywordRule(rules.ActionSilence, 1.5))
	h.addRule(t, &store.Rule{
		Name: "second-silence", DetectorKind: rules.KindKeyword, Pattern: "chips",
		Weight: 1, ActionKind: rules.ActionSilence, TriggerThreshold: 1, Enabled: true,
	})

	payload := analyzePayloadFor(t, h, "42", "spammer", store.LocalDomain, []mastodon.Status{
		publicStatus("s1", "free casino chips"),
	})
	_, err := h.pipeline.AnalyzeAndMaybeReport(ctx, payload)
	assert.NoError(err)
	assert.Equal(1, h.instance.count("/api/v1/admin/accounts/42/action"))
}

func TestAnalyzeBelowThresholdDoesNotReport(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.addRule(t, &store.Rule{
		Name: "mild", DetectorKind: rules.KindKeyword, Pattern: "casino",
		Weight: 0.5, ActionKind: rules.ActionWarn, TriggerThreshold: 0.5, Enabled: true,
	})

	payload := analyzePayloadFor(t, h, "42", "spammer", store.LocalDomain, []mastodon.Status{
		publicStatus("s1", "casino"),
	})
	_, err := h.pipeline.AnalyzeAndMaybeReport(ctx, payload)
	assert.NoError(err)

	// the warn action fires, but 0.5 < the report threshold
	assert.Equal(1, h.instance.count("/api/v1/admin/accounts/42/action"))
	assert.Equal(0, h.instance.count("/api/v1/reports"))

	// lowering the runtime threshold changes the outcome for new evidence
	require.NoError(t, h.store.SetConfig(ctx, store.ConfigReportThreshold, "0.25"))
	payload2 := analyzePayloadFor(t, h, "43", "other", store.LocalDomain, []mastodon.Status{
		publicStatus("s2", "casino again"),
	})
	_, err = h.pipeline.AnalyzeAndMaybeReport(ctx, payload2)
	assert.NoError(err)
	assert.Equal(1, h.instance.count("/api/v1/reports"))
}

func TestAnalyzeRemoteIncrementsDomainAlert(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.addRule(t, spamKeywordRule(rules.ActionReport, 1.5))

	payload := analyzePayloadFor(t, h, "r1", "spammer@bad.example", "bad.example", []mastodon.Status{
		publicStatus("s1", "casino"),
	})
	_, err := h.pipeline.AnalyzeAndMaybeReport(ctx, payload)
	assert.NoError(err)

	alert, err := h.store.GetDomainAlert(ctx, "bad.example")
	assert.NoError(err)
	require.NotNil(t, alert)
	assert.EqualValues(1, alert.ViolationCount)

	// local accounts never touch domain alerts
	local := analyzePayloadFor(t, h, "l1", "localspammer", store.LocalDomain, []mastodon.Status{
		publicStatus("s2", "casino"),
	})
	_, err = h.pipeline.AnalyzeAndMaybeReport(ctx, local)
	assert.NoError(err)
	alerts, err := h.store.ListDomainAlerts(ctx)
	assert.NoError(err)
	assert.Len(alerts, 1)
}

func TestAnalyzePanicStop(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.addRule(t, spamKeywordRule(rules.ActionSilence, 1.5))

	payload := analyzePayloadFor(t, h, "42", "spammer", store.LocalDomain, []mastodon.Status{
		publicStatus("s1", "casino"),
	})
	require.NoError(t, h.store.SetConfig(ctx, store.ConfigPanicStop, "true"))

	before := h.instance.totalCalls()
	res, err := h.pipeline.AnalyzeAndMaybeReport(ctx, payload)
	assert.NoError(err)
	assert.Nil(res)
	assert.Equal(before, h.instance.totalCalls())

	var analyses []store.Analysis
	require.NoError(t, h.store.DB().Find(&analyses).Error)
	assert.Empty(analyses)
}

func TestProcessNewStatusVisibility(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.addRule(t, spamKeywordRule(rules.ActionReport, 1.5))

	author := mastodon.Account{ID: "42", Acct: "spammer", Username: "spammer"}

	// direct and private statuses are never analyzed
	for _, vis := range []string{mastodon.VisibilityDirect, mastodon.VisibilityPrivate} {
		st := publicStatus("sX", "casino in a DM")
		st.Visibility = vis
		st.Account = author
		before := h.instance.totalCalls()
		assert.NoError(h.pipeline.ProcessNewStatus(ctx, StatusEventPayload{Status: st}))
		assert.Equal(before, h.instance.totalCalls())
	}

	// a public violating status triggers the full pipeline
	st := publicStatus("s1", "free casino chips")
	st.Account = author
	h.instance.statuses["42"] = []mastodon.Status{st}
	assert.NoError(h.pipeline.ProcessNewStatus(ctx, StatusEventPayload{Status: st}))
	assert.Equal(1, h.instance.count("/api/v1/reports"))
}

func TestMentionFloodTripsInteractionSpam(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.addRule(t, &store.Rule{
		Name: "mention-flood", DetectorKind: rules.KindBehavioral, Pattern: detect.BehaviorInteractionSpam,
		Weight: 1.5, ActionKind: rules.ActionReport, TriggerThreshold: 5, Enabled: true,
	})

	author := mastodon.Account{ID: "42", Acct: "spammer", Username: "spammer"}
	h.instance.statuses["42"] = nil

	// four statuses, each mentioning a fresh target: below the flood threshold
	for i := 0; i < 4; i++ {
		st := publicStatus(fmt.Sprintf("s%d", i), "hey check this out")
		st.Account = author
		st.Mentions = []mastodon.Mention{{ID: fmt.Sprintf("t%d", i)}}
		assert.NoError(h.pipeline.ProcessNewStatus(ctx, StatusEventPayload{Status: st}))
	}
	assert.Equal(0, h.instance.count("/api/v1/reports"))

	// the fifth distinct target crosses it
	st := publicStatus("s4", "hey check this out")
	st.Account = author
	st.Mentions = []mastodon.Mention{{ID: "t4"}}
	assert.NoError(h.pipeline.ProcessNewStatus(ctx, StatusEventPayload{Status: st}))
	assert.Equal(1, h.instance.count("/api/v1/reports"))

	var history []store.InteractionHistory
	require.NoError(t, h.store.DB().Find(&history).Error)
	assert.Len(history, 5)
	for _, row := range history {
		assert.Equal("mention", row.InteractionKind)
	}
}

func TestProcessNewStatusRecordsReplies(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)

	author := mastodon.Account{ID: "42", Acct: "replier", Username: "replier"}
	h.instance.statuses["42"] = nil

	parent := "99"
	st := publicStatus("s1", "replying to you")
	st.Account = author
	st.InReplyToAccountID = &parent
	assert.NoError(h.pipeline.ProcessNewStatus(ctx, StatusEventPayload{Status: st}))

	// self-replies and self-mentions are not interactions
	self := "42"
	st2 := publicStatus("s2", "thread continues")
	st2.Account = author
	st2.InReplyToAccountID = &self
	st2.Mentions = []mastodon.Mention{{ID: "42"}}
	assert.NoError(h.pipeline.ProcessNewStatus(ctx, StatusEventPayload{Status: st2}))

	var history []store.InteractionHistory
	require.NoError(t, h.store.DB().Find(&history).Error)
	require.Len(t, history, 1)
	assert.Equal("reply", history[0].InteractionKind)
	assert.Equal("99", history[0].TargetAccountID)
}

func TestProcessNewReportResolves(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.addRule(t, spamKeywordRule(rules.ActionReport, 1.5))

	target := mastodon.Account{ID: "42", Acct: "spammer", Username: "spammer"}
	h.instance.statuses["42"] = []mastodon.Status{publicStatus("s1", "unrelated")}

	rep := mastodon.Report{
		ID:            "up-7",
		TargetAccount: &target,
		Statuses:      []mastodon.Status{publicStatus("s2", "free casino chips")},
	}
	assert.NoError(h.pipeline.ProcessNewReport(ctx, ReportEventPayload{Report: rep}))

	// our analysis confirmed: we filed our own report and resolved theirs
	assert.Equal(1, h.instance.count("/api/v1/reports"))
	assert.Equal(1, h.instance.count("/api/v1/admin/reports/up-7/resolve"))

	// already-actioned reports are left alone
	rep.ID = "up-8"
	rep.ActionTaken = true
	rep.Statuses = []mastodon.Status{publicStatus("s3", "more casino spam")}
	assert.NoError(h.pipeline.ProcessNewReport(ctx, ReportEventPayload{Report: rep}))
	assert.Equal(0, h.instance.count("/api/v1/admin/reports/up-8/resolve"))
}

func TestProcessNewReportWithoutTarget(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	before := h.instance.totalCalls()
	assert.NoError(h.pipeline.ProcessNewReport(context.Background(), ReportEventPayload{Report: mastodon.Report{ID: "x"}}))
	assert.Equal(before, h.instance.totalCalls())
}

func TestAnalyzeWithoutResultScansItself(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.addRule(t, spamKeywordRule(rules.ActionReport, 1.5))

	h.instance.accounts["42"] = mastodon.Account{ID: "42", Acct: "spammer", Username: "spammer"}
	h.instance.statuses["42"] = []mastodon.Status{publicStatus("s1", "free casino chips")}
	dbAcct, err := h.store.UpsertAccount(ctx, "42", "spammer", store.LocalDomain)
	require.NoError(t, err)

	res, err := h.pipeline.AnalyzeAndMaybeReport(ctx, AnalyzePayload{
		AccountID: dbAcct.ID, UpstreamID: "42", Acct: "spammer", Domain: store.LocalDomain,
	})
	assert.NoError(err)
	require.NotNil(t, res)
	assert.Equal(1.5, res.Score)
	assert.Equal(1, h.instance.count("/api/v1/accounts/42"))
	assert.Equal(1, h.instance.count("/api/v1/reports"))
}

func TestMergeStatus(t *testing.T) {
	assert := assert.New(t)
	a := publicStatus("1", "x")
	b := publicStatus("2", "y")
	list := []*mastodon.Status{&a}

	list = mergeStatus(list, &b)
	assert.Len(list, 2)

	// duplicate id is not re-added
	list = mergeStatus(list, &a)
	assert.Len(list, 2)

	private := publicStatus("3", "z")
	private.Visibility = mastodon.VisibilityPrivate
	list = mergeStatus(list, &private)
	assert.Len(list, 2)
}

func TestReportUsesMatchedStatusIDs(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.addRule(t, spamKeywordRule(rules.ActionReport, 1.5))

	payload := analyzePayloadFor(t, h, "42", "spammer", store.LocalDomain, []mastodon.Status{
		publicStatus("s2", "casino"),
		publicStatus("s1", "casino"),
		publicStatus("s3", "harmless"),
	})
	ids := matchedStatusIDs(payload.Result.Violations)
	assert.Equal([]string{"s1", "s2"}, ids)

	_, err := h.pipeline.AnalyzeAndMaybeReport(ctx, payload)
	assert.NoError(err)
	assert.Equal(1, h.instance.count("/api/v1/reports"))
}

func TestReverseExpiredEndToEnd(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)
	secs := int64(1)
	h.addRule(t, &store.Rule{
		Name: "timed-silence", DetectorKind: rules.KindKeyword, Pattern: "casino",
		Weight: 1.5, ActionKind: rules.ActionSilence, TriggerThreshold: 1,
		ActionDurationSeconds: &secs, Enabled: true,
	})

	payload := analyzePayloadFor(t, h, "42", "spammer", store.LocalDomain, []mastodon.Status{
		publicStatus("s1", "casino"),
	})
	_, err := h.pipeline.AnalyzeAndMaybeReport(ctx, payload)
	assert.NoError(err)
	assert.Equal(1, h.instance.count("/api/v1/admin/accounts/42/action"))

	// past expiry, the reversal runs and the row is consumed
	n, err := h.pipeline.Enforcer.ReverseExpired(ctx, time.Now().Add(time.Minute))
	assert.NoError(err)
	assert.Equal(1, n)
	assert.Equal(1, h.instance.count("/api/v1/admin/accounts/42/unsilence"))

	due, err := h.store.DueScheduledActions(ctx, time.Now().Add(time.Hour))
	assert.NoError(err)
	assert.Empty(due)
}
