package detect

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastomod/vigil/mastodon"
	"github.com/mastomod/vigil/rules"
	"github.com/mastomod/vigil/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.SetupDatabase("sqlite://:memory:", 1)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	return store.NewStore(db)
}

func strptr(s string) *string { return &s }

func status(id, content string) *mastodon.Status {
	return &mastodon.Status{
		ID:         id,
		Content:    content,
		Visibility: mastodon.VisibilityPublic,
		CreatedAt:  time.Now(),
	}
}

func TestStripHTMLAndNormalize(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("Buy cheap pills now!", StripHTML(`<p>Buy <b>cheap</b> pills&nbsp;now!</p>`))
	assert.Equal("buy pills, batch", NormalizeContent(`<p>Buy  pills, batch 442</p>`))
	assert.Equal(NormalizeContent("promo code 123"), NormalizeContent("PROMO code 456"))

	urls := extractURLs(`check https://spam.example/buy?x=1 and http://other.example/`)
	require.Len(t, urls, 2)
	assert.Equal("spam.example", urlHost(urls[0]))
	assert.Equal("other.example", urlHost(urls[1]))
}

func TestKeywordDetector(t *testing.T) {
	assert := assert.New(t)
	rule := &store.Rule{Name: "spam-words", DetectorKind: rules.KindKeyword, Pattern: "casino, Pills", Weight: 1.5}
	acct := &mastodon.Account{Username: "friendly", DisplayName: "Just A User"}

	out, err := evalKeyword(rule, acct, []*mastodon.Status{
		status("1", "<p>Best CASINO in town, cheap pills too</p>"),
		status("2", "<p>nothing to see</p>"),
	})
	assert.NoError(err)
	require.Len(t, out, 1)
	assert.Equal("spam-words", out[0].RuleName)
	assert.Equal(1.5, out[0].Score)
	assert.ElementsMatch([]string{"casino", "pills"}, out[0].Evidence.MatchedTerms)
	assert.Equal([]string{"1"}, out[0].Evidence.MatchedStatusIDs)

	// username field matches too, without a status id
	spammer := &mastodon.Account{Username: "casino_bot"}
	out, err = evalKeyword(rule, spammer, nil)
	assert.NoError(err)
	require.Len(t, out, 1)
	assert.Empty(out[0].Evidence.MatchedStatusIDs)
}

func TestRegexDetectorBooleanOps(t *testing.T) {
	assert := assert.New(t)
	acct := &mastodon.Account{Username: "user"}
	statuses := []*mastodon.Status{
		status("1", "Buy CHEAP meds today"),
		status("2", "buy books"),
	}

	plain := &store.Rule{Name: "r", DetectorKind: rules.KindRegex, Pattern: `buy\s+cheap`, Weight: 1}
	out, err := evalRegex(plain, acct, statuses)
	assert.NoError(err)
	require.Len(t, out, 1)
	assert.Equal([]string{"1"}, out[0].Evidence.MatchedStatusIDs)

	and := &store.Rule{Name: "r", DetectorKind: rules.KindRegex, Pattern: `buy`, SecondaryPattern: strptr(`cheap`), BooleanOp: strptr(rules.BoolAnd), Weight: 1}
	out, err = evalRegex(and, acct, statuses)
	assert.NoError(err)
	require.Len(t, out, 1)
	assert.Equal([]string{"1"}, out[0].Evidence.MatchedStatusIDs)

	or := &store.Rule{Name: "r", DetectorKind: rules.KindRegex, Pattern: `meds`, SecondaryPattern: strptr(`books`), BooleanOp: strptr(rules.BoolOr), Weight: 1}
	out, err = evalRegex(or, acct, statuses)
	assert.NoError(err)
	assert.Len(out, 2)

	bad := &store.Rule{Name: "r", DetectorKind: rules.KindRegex, Pattern: `(unclosed`, Weight: 1}
	_, err = evalRegex(bad, acct, statuses)
	assert.Error(err)
}

func TestMediaDetector(t *testing.T) {
	assert := assert.New(t)
	rule := &store.Rule{Name: "alt-text", DetectorKind: rules.KindMedia, Pattern: "crypto giveaway", Weight: 2}

	withMedia := status("1", "look at this")
	withMedia.MediaAttachments = []mastodon.MediaAttachment{
		{ID: "m1", Type: "image", URL: "https://cdn.example/a.png", Description: strptr("HUGE Crypto Giveaway inside")},
	}
	clean := status("2", "holiday photos")
	clean.MediaAttachments = []mastodon.MediaAttachment{
		{ID: "m2", Type: "image", URL: "https://cdn.example/b.png", Description: strptr("a dog")},
	}

	out, err := evalMedia(rule, &mastodon.Account{}, []*mastodon.Status{withMedia, clean})
	assert.NoError(err)
	require.Len(t, out, 1)
	assert.Equal([]string{"1"}, out[0].Evidence.MatchedStatusIDs)
	assert.Equal(2.0, out[0].Score)
}

func TestBehavioralRapidPosting(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := newTestStore(t)
	e := &Engine{Store: st, Logger: slog.Default()}

	rule := &store.Rule{Name: "flood", DetectorKind: rules.KindBehavioral, Pattern: BehaviorRapidPosting, Weight: 2, TriggerThreshold: 5}

	var statuses []*mastodon.Status
	for i := 0; i < 6; i++ {
		statuses = append(statuses, status(fmt.Sprintf("s%d", i), "post"))
	}
	out, err := e.evalBehavioral(ctx, rule, 7, &mastodon.Account{}, statuses)
	assert.NoError(err)
	require.Len(t, out, 1)
	assert.EqualValues(6, out[0].Evidence.Metrics["posts_last_hour"])

	// metrics row persisted as a side effect
	var metrics store.AccountBehaviorMetrics
	require.NoError(t, st.DB().First(&metrics, "account_id = ?", 7).Error)
	assert.EqualValues(6, metrics.PostsLastHour)

	out, err = e.evalBehavioral(ctx, rule, 7, &mastodon.Account{}, statuses[:3])
	assert.NoError(err)
	assert.Empty(out)

	// side effect refreshed even when no violation fires
	require.NoError(t, st.DB().First(&metrics, "account_id = ?", 7).Error)
	assert.EqualValues(3, metrics.PostsLastHour)
}

func TestBehavioralInteractionSpam(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := newTestStore(t)
	e := &Engine{Store: st, Logger: slog.Default()}

	rule := &store.Rule{Name: "mention-spam", DetectorKind: rules.KindBehavioral, Pattern: BehaviorInteractionSpam, Weight: 1, TriggerThreshold: 3}

	for i := 0; i < 5; i++ {
		require.NoError(t, st.RecordInteraction(ctx, 1, fmt.Sprintf("target-%d", i), "mention"))
	}
	out, err := e.evalBehavioral(ctx, rule, 1, &mastodon.Account{}, nil)
	assert.NoError(err)
	require.Len(t, out, 1)
	assert.EqualValues(5, out[0].Evidence.Metrics["distinct_targets"])

	out, err = e.evalBehavioral(ctx, rule, 2, &mastodon.Account{}, nil)
	assert.NoError(err)
	assert.Empty(out)
}

func TestAutomationDisclosure(t *testing.T) {
	assert := assert.New(t)
	rule := &store.Rule{Name: "undisclosed-bot", Pattern: BehaviorAutomationDisclosure, Weight: 1}

	// non-bot posting near-duplicates
	var dupes []*mastodon.Status
	for i := 0; i < 10; i++ {
		dupes = append(dupes, status(fmt.Sprintf("d%d", i), fmt.Sprintf("Daily deal number %d, click now", i)))
	}
	out := evalAutomationDisclosure(rule, &mastodon.Account{Bot: false}, dupes)
	require.Len(t, out, 1)
	assert.Greater(out[0].Evidence.Metrics["duplicate_fraction"].(float64), 0.5)

	varied := []*mastodon.Status{
		status("v1", "morning thoughts about coffee"),
		status("v2", "an unrelated rant"),
		status("v3", "photos from the hike"),
	}
	assert.Empty(evalAutomationDisclosure(rule, &mastodon.Account{Bot: false}, varied))

	// disclosed bot over the tolerated public rate
	burst := []*mastodon.Status{status("b1", "a"), status("b2", "b"), status("b3", "c")}
	out = evalAutomationDisclosure(rule, &mastodon.Account{Bot: true}, burst)
	require.Len(t, out, 1)
	assert.Equal(true, out[0].Evidence.Metrics["bot_flagged"])

	assert.Empty(evalAutomationDisclosure(rule, &mastodon.Account{Bot: true}, burst[:1]))
}

func TestLinkSpam(t *testing.T) {
	assert := assert.New(t)
	rule := &store.Rule{Name: "link-spam", Pattern: BehaviorLinkSpam, Weight: 1}

	var single []*mastodon.Status
	for i := 0; i < 5; i++ {
		single = append(single, status(fmt.Sprintf("l%d", i), fmt.Sprintf("offer %d at https://spam.example/p%d", i, i)))
	}
	out := evalLinkSpam(rule, single)
	require.Len(t, out, 1)
	assert.Equal(1, out[0].Evidence.Metrics["distinct_domains"])
	assert.Len(out[0].Evidence.MatchedStatusIDs, 5)

	// one status without a link clears the account
	mixed := append([]*mastodon.Status{status("x", "no links here")}, single...)
	assert.Empty(evalLinkSpam(rule, mixed))

	// varied domains and varied templates are fine
	varied := []*mastodon.Status{
		status("v1", "reading https://blog.example/a"),
		status("v2", "watch https://video.example/b later"),
		status("v3", "news https://paper.example/c today"),
	}
	assert.Empty(evalLinkSpam(rule, varied))
}

func TestEngineThresholdFilter(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := newTestStore(t)
	cache := rules.NewCache(st, time.Hour, nil)
	e := NewEngine(cache, st)

	// weight below threshold: violation dropped
	require.NoError(t, st.CreateRule(ctx, &store.Rule{
		Name: "weak", DetectorKind: rules.KindKeyword, Pattern: "casino",
		Weight: 0.5, TriggerThreshold: 1.0, ActionKind: rules.ActionReport, Enabled: true,
	}))
	// weight at threshold: kept
	require.NoError(t, st.CreateRule(ctx, &store.Rule{
		Name: "strong", DetectorKind: rules.KindKeyword, Pattern: "casino",
		Weight: 1.0, TriggerThreshold: 1.0, ActionKind: rules.ActionReport, Enabled: true,
	}))
	// behavioral consumes the threshold as a count, so the emitted violation
	// passes through even with score < threshold
	require.NoError(t, st.CreateRule(ctx, &store.Rule{
		Name: "flood", DetectorKind: rules.KindBehavioral, Pattern: BehaviorRapidPosting,
		Weight: 0.5, TriggerThreshold: 2, ActionKind: rules.ActionReport, Enabled: true,
	}))

	statuses := []*mastodon.Status{
		status("1", "free casino chips"),
		status("2", "more casino"),
		status("3", "casino again"),
	}
	out, version, err := e.EvaluateAccount(ctx, 1, &mastodon.Account{Username: "u"}, statuses)
	assert.NoError(err)
	assert.NotEmpty(version)

	names := map[string]int{}
	for _, v := range out {
		names[v.RuleName]++
	}
	assert.Zero(names["weak"])
	assert.Equal(3, names["strong"])
	assert.Equal(1, names["flood"])
}

func TestEngineSkipsUnknownKind(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := newTestStore(t)
	cache := rules.NewCache(st, time.Hour, nil)
	e := NewEngine(cache, st)

	// bypass validation deliberately; the engine must not blow up
	require.NoError(t, st.CreateRule(ctx, &store.Rule{
		Name: "mystery", DetectorKind: "telepathy", Pattern: "x", Weight: 1, TriggerThreshold: 1, ActionKind: rules.ActionReport, Enabled: true,
	}))

	out, _, err := e.EvaluateAccount(ctx, 1, &mastodon.Account{Username: "u"}, nil)
	assert.NoError(err)
	assert.Empty(out)
}

func TestSummaryAndTotalScore(t *testing.T) {
	assert := assert.New(t)
	vs := []Violation{
		{RuleName: "a", Score: 1.5},
		{RuleName: "b", Score: 0.5},
	}
	assert.Equal(2.0, TotalScore(vs))
	assert.Equal(`[{"rule":"a","score":1.5},{"rule":"b","score":0.5}]`, Summary(vs))
	assert.Equal("[]", Summary(nil))
}
