package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/hyperjump/tsuuchi/internal/broker"
	"github.com/hyperjump/tsuuchi/internal/config"
	"github.com/hyperjump/tsuuchi/internal/embedding"
	"github.com/hyperjump/tsuuchi/internal/indexer"
	"github.com/hyperjump/tsuuchi/internal/keyword"
	"github.com/hyperjump/tsuuchi/internal/match"
	"github.com/hyperjump/tsuuchi/internal/models"
	"github.com/hyperjump/tsuuchi/internal/pipeline"
	"github.com/hyperjump/tsuuchi/internal/related"
	"github.com/hyperjump/tsuuchi/internal/sandbox"
	"github.com/hyperjump/tsuuchi/internal/storage"
	"github.com/hyperjump/tsuuchi/internal/vector"
)

const testDim = 8

type mockWatchService struct {
	dirs []string
}

func (m *mockWatchService) Directories() []string {
	return append([]string(nil), m.dirs...)
}

type fixedStats broker.Stats

func (f fixedStats) Stats() broker.Stats { return broker.Stats(f) }

type testEnv struct {
	srv     *Server
	handler http.Handler
	store   *storage.SQLiteStorage
	indexer *indexer.Indexer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "db.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	kwIdx, err := keyword.NewBleveIndex("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = kwIdx.Close() })
	vecIdx, err := vector.New(testDim, vector.WithIndexType(vector.IndexTypeExact))
	if err != nil {
		t.Fatal(err)
	}
	sb, err := sandbox.New()
	if err != nil {
		t.Fatal(err)
	}
	embedder := embedding.NewMockEmbedder(testDim)
	idx := indexer.NewIndexer(store, embedder, vecIdx, kwIdx)
	finder := related.NewFinder(embedder, vecIdx, related.WithKeyword(kwIdx), related.WithNames(store))
	coord := match.New(store, sb, match.WithResolver(store), match.WithRelatedFinder(finder))
	proc := pipeline.New(coord, pipeline.WithIndexer(idx))

	cfg := &config.Config{}
	cfg.Storage.DatabasePath = filepath.Join(dir, "db.sqlite")
	cfg.Storage.KeywordIndexPath = filepath.Join(dir, "bleve")
	cfg.Storage.VectorIndexPath = filepath.Join(dir, "vectors.idx")

	srv := NewServer(Dependencies{
		Processor: proc,
		Evaluator: sb,
		Storage:   store,
		Related:   finder,
		Indexes:   idx,
		Keywords:  kwIdx,
		Broker:    fixedStats{Submitted: 3, Succeeded: 2, Failed: 1},
		Watch:     &mockWatchService{dirs: []string{"/srv/inbox"}},
	}, cfg, nil)
	return &testEnv{srv: srv, handler: srv.Handler(), store: store, indexer: idx}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestSubscriptionsLifecycle(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPut, "/api/v1/subscriptions/poetry", map[string]interface{}{
		"code":                `submission.HasTag("poem")`,
		"subscribed_user_ids": []string{"u1"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("put: got %d, body: %s", w.Code, w.Body.String())
	}
	env.do(t, http.MethodPut, "/api/v1/subscriptions/prose", map[string]string{"code": "false"})

	w = env.do(t, http.MethodPost, "/api/v1/subscriptions/poetry/users/u2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("add user: got %d, body: %s", w.Code, w.Body.String())
	}
	w = env.do(t, http.MethodDelete, "/api/v1/subscriptions/poetry/users/u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("remove user: got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/v1/subscriptions", nil)
	var list struct {
		Subscriptions []models.SubscriptionRule `json:"subscriptions"`
	}
	decode(t, w, &list)
	if len(list.Subscriptions) != 2 || list.Subscriptions[0].ChannelID != "poetry" {
		t.Fatalf("subscriptions = %+v", list.Subscriptions)
	}
	if got := list.Subscriptions[0].SubscribedUserIDs; len(got) != 1 || got[0] != "u2" {
		t.Errorf("subscribers = %v, want [u2]", got)
	}

	if w := env.do(t, http.MethodDelete, "/api/v1/subscriptions/prose", nil); w.Code != http.StatusOK {
		t.Errorf("delete: got %d", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/api/v1/subscriptions/prose", nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete: got %d, want 404", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/subscriptions/missing/users/u1", nil); w.Code != http.StatusNotFound {
		t.Errorf("add user to missing channel: got %d, want 404", w.Code)
	}
}

func TestHandlePutSubscription_InvalidBody(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPut, "/api/v1/subscriptions/x", "{not json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}
}

func TestHandleProcessSubmission(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	for _, rule := range []models.SubscriptionRule{
		{ChannelID: "poetry", Code: `submission.HasTag("poem")`},
		{ChannelID: "broken", Code: `submission.Nope()`},
		{ChannelID: "archive", Code: `submission.ArchiveChannel() == "Harbour Archive"`},
	} {
		if err := env.store.PutSubscription(ctx, rule); err != nil {
			t.Fatal(err)
		}
	}
	if err := env.store.SetName(ctx, storage.NameArchiveChannel, "c-9", "Harbour Archive"); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodPost, "/api/v1/submissions", map[string]interface{}{
		"id":                 "s1",
		"name":               "Gulls",
		"tags":               []string{"poem"},
		"archive_channel_id": "c-9",
		"text":               "gulls over the pier",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out pipeline.Outcome
	decode(t, w, &out)
	if got := out.Report.MatchedChannelIDs; len(got) != 2 || got[0] != "poetry" || got[1] != "archive" {
		t.Errorf("matched = %v, want [poetry archive]", got)
	}
	if len(out.Report.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(out.Report.Results))
	}
	if !out.Report.Results[1].HasErrors() {
		t.Error("broken rule should report an error")
	}
	if !out.Indexed {
		t.Error("submission should be indexed")
	}
	if n, _ := env.store.CountSubmissions(ctx); n != 1 {
		t.Errorf("stored submissions = %d, want 1", n)
	}
}

func TestHandleProcessSubmission_RejectsUnknownFields(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/submissions", `{"id":"s","nmae":"typo"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}
}

func TestHandleDeleteSubmission(t *testing.T) {
	env := newTestEnv(t)
	if err := env.indexer.IndexSubmission(t.Context(), &models.Submission{ID: "d", Name: "Driftwood"}); err != nil {
		t.Fatal(err)
	}
	if w := env.do(t, http.MethodDelete, "/api/v1/submissions/d", nil); w.Code != http.StatusOK {
		t.Fatalf("delete: got %d, body: %s", w.Code, w.Body.String())
	}
	if w := env.do(t, http.MethodDelete, "/api/v1/submissions/d", nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete: got %d, want 404", w.Code)
	}
}

func TestHandleEvaluateRule(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/rules/evaluate", map[string]interface{}{
		"code":       "submission.Log(\"checking\", submission.Name())\nreturn submission.Name() == \"Gulls\"",
		"submission": map[string]interface{}{"id": "s", "name": "Gulls"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var res models.MatchResult
	decode(t, w, &res)
	if !res.Matched || res.ChannelID != dryRunChannel {
		t.Errorf("result = %+v", res)
	}
	if len(res.Logs) != 1 || res.Logs[0].Message != "checking Gulls" {
		t.Errorf("logs = %+v", res.Logs)
	}

	w = env.do(t, http.MethodPost, "/api/v1/rules/evaluate", map[string]string{"code": "  "})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty code: got %d, want 400", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/v1/rules/evaluate", map[string]string{"code": "1 +"})
	decode(t, w, &res)
	if res.Matched || !res.HasErrors() {
		t.Errorf("syntax error result = %+v", res)
	}
}

func TestHandleRelated(t *testing.T) {
	env := newTestEnv(t)
	sub := &models.Submission{ID: "a", Name: "Harbour Lights", Text: "gulls over the pier"}
	if err := env.indexer.IndexSubmission(t.Context(), sub); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodPost, "/api/v1/related", map[string]string{
		"name": "Harbour Lights",
		"text": "gulls over the pier",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out struct {
		Related []models.RelatedEntry `json:"related"`
	}
	decode(t, w, &out)
	if len(out.Related) != 1 || out.Related[0].ID != "a" || out.Related[0].Name != "Harbour Lights" {
		t.Errorf("related = %+v", out.Related)
	}
}

func TestHandleRelated_NotEnabled(t *testing.T) {
	env := newTestEnv(t)
	env.srv.deps.Related = nil
	w := env.do(t, http.MethodPost, "/api/v1/related", map[string]string{"name": "x"})
	if w.Code != http.StatusNotImplemented {
		t.Errorf("status: got %d, want 501", w.Code)
	}
}

func TestHandleRebuild(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"a", "b"} {
		if err := env.indexer.IndexSubmission(t.Context(), &models.Submission{ID: id, Name: "Lantern " + id}); err != nil {
			t.Fatal(err)
		}
	}
	w := env.do(t, http.MethodPost, "/api/v1/index/rebuild", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out struct {
		Vectors int `json:"vectors"`
	}
	decode(t, w, &out)
	if out.Vectors != 2 {
		t.Errorf("vectors = %d, want 2", out.Vectors)
	}
}

func TestHandleStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	if err := env.store.PutSubscription(ctx, models.SubscriptionRule{ChannelID: "c", Code: "true"}); err != nil {
		t.Fatal(err)
	}
	if err := env.indexer.IndexSubmission(ctx, &models.Submission{ID: "s", Name: "Status"}); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodGet, "/api/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out struct {
		Subscriptions    int64        `json:"subscriptions"`
		Submissions      int64        `json:"submissions"`
		Embeddings       int64        `json:"embeddings"`
		VectorIndexSize  int          `json:"vector_index_size"`
		VectorIndexType  string       `json:"vector_index_type"`
		KeywordIndexSize uint64       `json:"keyword_index_size"`
		Broker           broker.Stats `json:"broker"`
		WatchDirectories []string     `json:"watch_directories"`
		DiskUsageBytes   *int64       `json:"disk_usage_bytes"`
	}
	decode(t, w, &out)
	if out.Subscriptions != 1 || out.Submissions != 1 || out.Embeddings != 1 {
		t.Errorf("counts = %d/%d/%d", out.Subscriptions, out.Submissions, out.Embeddings)
	}
	if out.VectorIndexSize != 1 || out.VectorIndexType != string(vector.IndexTypeExact) {
		t.Errorf("vector index = %d %q", out.VectorIndexSize, out.VectorIndexType)
	}
	if out.KeywordIndexSize != 1 {
		t.Errorf("keyword index size = %d", out.KeywordIndexSize)
	}
	if out.Broker.Submitted != 3 || out.Broker.Failed != 1 {
		t.Errorf("broker = %+v", out.Broker)
	}
	if len(out.WatchDirectories) != 1 || out.WatchDirectories[0] != "/srv/inbox" {
		t.Errorf("watch directories = %v", out.WatchDirectories)
	}
	if out.DiskUsageBytes == nil || *out.DiskUsageBytes <= 0 {
		t.Errorf("disk usage = %v, want > 0", out.DiskUsageBytes)
	}
}
