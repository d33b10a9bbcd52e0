package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastomod/vigil/detect"
	"github.com/mastomod/vigil/enforce"
	"github.com/mastomod/vigil/mastodon"
	"github.com/mastomod/vigil/rules"
	"github.com/mastomod/vigil/store"
)

type adminPage struct {
	accounts []mastodon.AdminAccount
	next     string
}

// fakeInstance is a canned Mastodon API: admin listings page by max_id,
// per-account statuses, and counting sinks for moderation endpoints.
type fakeInstance struct {
	mu           sync.Mutex
	adminPages   map[string]adminPage
	statuses     map[string][]mastodon.Status
	accounts     map[string]mastodon.Account
	calls        map[string]int
	failStatuses bool
	srv          *httptest.Server
}

func newFakeInstance(t *testing.T) *fakeInstance {
	t.Helper()
	f := &fakeInstance{
		adminPages: map[string]adminPage{},
		statuses:   map[string][]mastodon.Status{},
		accounts:   map[string]mastodon.Account{},
		calls:      map[string]int{},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeInstance) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls[r.URL.Path]++
	failStatuses := f.failStatuses
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	path := r.URL.Path
	switch {
	case path == "/api/v1/admin/accounts":
		page := f.adminPages[r.URL.Query().Get("max_id")]
		if page.next != "" {
			w.Header().Set("Link", fmt.Sprintf(`<http://%s/api/v1/admin/accounts?max_id=%s>; rel="next"`, r.Host, page.next))
		}
		json.NewEncoder(w).Encode(page.accounts)
	case strings.HasSuffix(path, "/statuses"):
		if failStatuses {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/api/v1/accounts/"), "/statuses")
		json.NewEncoder(w).Encode(f.statuses[id])
	case strings.HasPrefix(path, "/api/v1/accounts/"):
		id := strings.TrimPrefix(path, "/api/v1/accounts/")
		acct, ok := f.accounts[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(acct)
	case path == "/api/v1/reports":
		json.NewEncoder(w).Encode(mastodon.Report{ID: "rep-1"})
	default:
		// admin actions, domain blocks, report resolution
		w.Write([]byte(`{}`))
	}
}

func (f *fakeInstance) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeInstance) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type queuedJob struct {
	kind    string
	payload []byte
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []queuedJob
}

func (q *fakeQueue) Enqueue(ctx context.Context, kind string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.jobs = append(q.jobs, queuedJob{kind: kind, payload: raw})
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) byKind(kind string) []queuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queuedJob
	for _, j := range q.jobs {
		if j.kind == kind {
			out = append(out, j)
		}
	}
	return out
}

type harness struct {
	store    *store.Store
	instance *fakeInstance
	queue    *fakeQueue
	scanner  *Scanner
	pipeline *Pipeline
	ruleSvc  *rules.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.SetupDatabase("sqlite://:memory:", 1)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	st := store.NewStore(db)

	instance := newFakeInstance(t)
	client := mastodon.NewClient(instance.srv.URL, "token", nil)
	client.Client = &http.Client{Timeout: 5 * time.Second}

	cache := rules.NewCache(st, time.Hour, nil)
	svc := rules.NewService(st, cache)
	engine := detect.NewEngine(cache, st)
	fq := &fakeQueue{}
	sc := NewScanner(st, client, engine, cache, fq, Config{})
	enf := enforce.NewEnforcer(client, st, "policy-v1")

	return &harness{
		store:    st,
		instance: instance,
		queue:    fq,
		scanner:  sc,
		pipeline: NewPipeline(sc, enf, "", false),
		ruleSvc:  svc,
	}
}

func (h *harness) addRule(t *testing.T, r *store.Rule) {
	t.Helper()
	require.NoError(t, h.ruleSvc.Create(context.Background(), r))
}

func spamKeywordRule(action string, weight float64) *store.Rule {
	return &store.Rule{
		Name:             "spam-" + action,
		DetectorKind:     rules.KindKeyword,
		Pattern:          "casino",
		Weight:           weight,
		ActionKind:       action,
		TriggerThreshold: 1.0,
		Enabled:          true,
	}
}

func publicStatus(id, content string) mastodon.Status {
	return mastodon.Status{ID: id, Content: content, Visibility: mastodon.VisibilityPublic, CreatedAt: time.Now()}
}

func TestScanSkipsUnchangedContent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.addRule(t, spamKeywordRule(rules.ActionReport, 1.5))

	acct := &mastodon.Account{ID: "42", Acct: "spammer", Username: "spammer"}
	h.instance.statuses["42"] = []mastodon.Status{publicStatus("s1", "free casino chips")}

	dbAcct, err := h.store.UpsertAccount(ctx, "42", "spammer", store.LocalDomain)
	require.NoError(t, err)

	res, cached, err := h.scanner.ScanAccountEfficiently(ctx, dbAcct.ID, acct, 0)
	assert.NoError(err)
	assert.False(cached)
	assert.Equal(1.5, res.Score)
	assert.Equal(1, h.instance.count("/api/v1/accounts/42/statuses"))

	// unchanged content within TTL: cache hit, no status fetch
	res, cached, err = h.scanner.ScanAccountEfficiently(ctx, dbAcct.ID, acct, 0)
	assert.NoError(err)
	assert.True(cached)
	assert.Equal(1.5, res.Score)
	assert.Equal(1, h.instance.count("/api/v1/accounts/42/statuses"))

	// profile change means a new hash and a fresh scan
	changed := *acct
	changed.Note = "now with a bio"
	_, cached, err = h.scanner.ScanAccountEfficiently(ctx, dbAcct.ID, &changed, 0)
	assert.NoError(err)
	assert.False(cached)
	assert.Equal(2, h.instance.count("/api/v1/accounts/42/statuses"))

	// rule mutation flags everything for rescan
	h.addRule(t, &store.Rule{
		Name: "another", DetectorKind: rules.KindKeyword, Pattern: "pills",
		Weight: 1, ActionKind: rules.ActionReport, TriggerThreshold: 1, Enabled: true,
	})
	_, cached, err = h.scanner.ScanAccountEfficiently(ctx, dbAcct.ID, acct, 0)
	assert.NoError(err)
	assert.False(cached)
}

func TestPollCommitsCursorBeforeProcessing(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.addRule(t, spamKeywordRule(rules.ActionReport, 1.5))

	h.instance.adminPages[""] = adminPage{
		accounts: []mastodon.AdminAccount{{ID: "1", Account: mastodon.Account{ID: "1", Acct: "a", Username: "a"}}},
		next:     "cursor2",
	}
	h.instance.adminPages["cursor2"] = adminPage{
		accounts: []mastodon.AdminAccount{{ID: "2", Account: mastodon.Account{ID: "2", Acct: "b", Username: "b"}}},
	}
	// page contents fail to process; the cursor must advance anyway
	h.instance.failStatuses = true

	h.scanner.Config.MaxPagesPerPoll = 1
	assert.NoError(h.scanner.PollAccounts(ctx, "local"))

	pos, err := h.store.LoadCursor(ctx, "admin_accounts_local")
	assert.NoError(err)
	assert.Equal("cursor2", pos)

	// mid-listing: the session is still active and resumes
	sess, resumed, err := h.store.StartSession(ctx, "local", "x")
	assert.NoError(err)
	assert.True(resumed)
	assert.Equal("cursor2", sess.CurrentCursor)

	// second poll finishes the listing, completes the session, rewinds
	h.instance.failStatuses = false
	assert.NoError(h.scanner.PollAccounts(ctx, "local"))

	pos, err = h.store.LoadCursor(ctx, "admin_accounts_local")
	assert.NoError(err)
	assert.Equal("", pos)

	_, resumed, err = h.store.StartSession(ctx, "local", "x")
	assert.NoError(err)
	assert.False(resumed)

	// both accounts got mirrored despite the first page's scan failures
	_, err = h.store.GetAccountByUpstreamID(ctx, "1")
	assert.NoError(err)
	_, err = h.store.GetAccountByUpstreamID(ctx, "2")
	assert.NoError(err)
}

func TestPollEnqueuesAnalysisForViolations(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.addRule(t, spamKeywordRule(rules.ActionReport, 1.5))

	h.instance.adminPages[""] = adminPage{accounts: []mastodon.AdminAccount{
		{ID: "1", Account: mastodon.Account{ID: "1", Acct: "spammer", Username: "spammer"}},
		{ID: "2", Account: mastodon.Account{ID: "2", Acct: "innocent", Username: "innocent"}},
	}}
	h.instance.statuses["1"] = []mastodon.Status{publicStatus("s1", "free casino chips")}
	h.instance.statuses["2"] = []mastodon.Status{publicStatus("s2", "cat pictures")}

	assert.NoError(h.scanner.PollAccounts(ctx, "local"))

	jobs := h.queue.byKind(JobAnalyzeAccount)
	require.Len(t, jobs, 1)
	var payload AnalyzePayload
	require.NoError(t, json.Unmarshal(jobs[0].payload, &payload))
	assert.Equal("1", payload.UpstreamID)
	assert.Equal(store.LocalDomain, payload.Domain)
	require.NotNil(t, payload.Result)
	assert.Equal(1.5, payload.Result.Score)

	// a repeat poll hits the scan cache and enqueues nothing new
	assert.NoError(h.scanner.PollAccounts(ctx, "local"))
	assert.Len(h.queue.byKind(JobAnalyzeAccount), 1)
}

func TestPanicStopHaltsScanning(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.addRule(t, spamKeywordRule(rules.ActionReport, 1.5))
	require.NoError(t, h.store.SetConfig(ctx, store.ConfigPanicStop, "true"))

	before := h.instance.totalCalls()
	assert.NoError(h.scanner.PollAccounts(ctx, "local"))
	assert.NoError(h.scanner.FederatedSweep(ctx, nil))
	assert.NoError(h.scanner.CheckDomainViolations(ctx))
	assert.Equal(before, h.instance.totalCalls())
	assert.Empty(h.queue.jobs)

	// the stale-scan flagger must not mutate cache state either
	require.NoError(t, h.store.UpsertContentScan(ctx, &store.ContentScan{
		ContentHash:   "stale-hash",
		AccountID:     1,
		ScanKind:      "efficient",
		ScanResult:    "{}",
		RulesVersion:  "v",
		LastScannedAt: time.Now().Add(-30 * 24 * time.Hour),
	}))
	assert.NoError(h.scanner.FlagStaleScans(ctx))
	scan, err := h.store.GetContentScan(ctx, "stale-hash")
	assert.NoError(err)
	require.NotNil(t, scan)
	assert.False(scan.NeedsRescan)
}

func TestFederatedSweep(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.addRule(t, spamKeywordRule(rules.ActionReport, 1.5))

	_, err := h.store.UpsertAccount(ctx, "r1", "spammer@bad.example", "bad.example")
	require.NoError(t, err)
	_, err = h.store.UpsertAccount(ctx, "r2", "gone@bad.example", "bad.example")
	require.NoError(t, err)

	h.instance.accounts["r1"] = mastodon.Account{ID: "r1", Acct: "spammer@bad.example", Username: "spammer"}
	// r2 is unfetchable (404): terminal, skipped
	h.instance.statuses["r1"] = []mastodon.Status{publicStatus("s1", "casino casino")}

	assert.NoError(h.scanner.FederatedSweep(ctx, nil))

	jobs := h.queue.byKind(JobAnalyzeAccount)
	require.Len(t, jobs, 1)
	var payload AnalyzePayload
	require.NoError(t, json.Unmarshal(jobs[0].payload, &payload))
	assert.Equal("bad.example", payload.Domain)
}

func TestCheckDomainViolationsFlipsOnce(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)

	for i := 0; i < store.DefaultDefederationThreshold; i++ {
		_, err := h.store.IncrementDomainViolation(ctx, "bad.example")
		require.NoError(t, err)
	}

	assert.NoError(h.scanner.CheckDomainViolations(ctx))
	alert, err := h.store.GetDomainAlert(ctx, "bad.example")
	assert.NoError(err)
	assert.True(alert.IsDefederated)
	assert.Equal("automated_system", alert.DefederatedBy)
	firstAt := alert.DefederatedAt

	// a later check must not re-flip or refresh the timestamp
	assert.NoError(h.scanner.CheckDomainViolations(ctx))
	alert, err = h.store.GetDomainAlert(ctx, "bad.example")
	assert.NoError(err)
	assert.True(alert.DefederatedAt.Equal(*firstAt))
}
