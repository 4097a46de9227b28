package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyperjump/tsuuchi/internal/config"
	"github.com/hyperjump/tsuuchi/internal/embedding"
	"github.com/hyperjump/tsuuchi/internal/models"
	"github.com/hyperjump/tsuuchi/internal/pipeline"
	"github.com/hyperjump/tsuuchi/internal/sandbox"
)

const testDim = 8

// newEmbedServer serves POST /embed with deterministic mock vectors.
func newEmbedServer(t *testing.T) *httptest.Server {
	t.Helper()
	mock := embedding.NewMockEmbedder(testDim)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Texts []string `json:"texts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out := make([]string, len(req.Texts))
		for i, text := range req.Texts {
			out[i] = embedding.EncodeVector(embedding.Quantize(mock.Vector(text)))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string][]string{"embeddings": out})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// writeTestConfig writes a config that keeps all state in dir.
func writeTestConfig(t *testing.T, dir, embedURL string) string {
	t.Helper()
	content := fmt.Sprintf(`
storage:
  database_path: %q
  vector_index_path: %q
  keyword_index_path: %q
embedding:
  endpoint: %q
  dimensions: %d
vector:
  index_type: exact
match:
  related_threshold: -1
`,
		filepath.Join(dir, "db", "tsuuchi.db"),
		filepath.Join(dir, "indices", "vectors.idx"),
		filepath.Join(dir, "indices", "bleve"),
		embedURL, testDim)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func writeSubmission(t *testing.T, dir string, sub models.Submission) string {
	t.Helper()
	data, err := json.Marshal(sub)
	require.NoError(t, err)
	path := filepath.Join(dir, sub.ID+".json")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func runCLI(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--config", configPath}, args...))
	err := root.ExecuteContext(t.Context())
	return out.String(), err
}

func TestLoadConfig_prefersCwdConfigWhenDefaultPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
debug: true
storage:
  database_path: "./test.db"
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0600))
	t.Chdir(dir)

	cfg, resolved, err := loadConfig(defaultConfigPath)
	require.NoError(t, err)
	// cwd may be reported through a symlink (macOS /private/var).
	resolvedCanon, _ := filepath.EvalSymlinks(resolved)
	configPathCanon, _ := filepath.EvalSymlinks(configPath)
	assert.Equal(t, configPathCanon, resolvedCanon)
	assert.True(t, cfg.Debug, "debug should come from cwd config.yaml")
}

func TestLoadConfig_usesExplicitPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0600))

	cfg, resolved, err := loadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, configPath, resolved)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, filepath.Join(t.TempDir(), "unused.yaml"), "version")
	require.NoError(t, err)
	assert.Equal(t, "tsuuchi version dev\n", out)
}

func TestUnknownOutputFormat(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir, "http://127.0.0.1:1")
	_, err := runCLI(t, cfgPath, "--output", "xml", "subscriptions", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestSubscriptionsCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir, "http://127.0.0.1:1")

	out, err := runCLI(t, cfgPath, "subscriptions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No subscriptions")

	_, err = runCLI(t, cfgPath, "subscriptions", "add", "poetry",
		"--code", `submission.HasTag("poem")`, "--user", "u1", "--user", "u2")
	require.NoError(t, err)

	ruleFile := filepath.Join(dir, "fiction.rule")
	require.NoError(t, os.WriteFile(ruleFile, []byte(`submission.Category() == "Fiction"`), 0600))
	_, err = runCLI(t, cfgPath, "subs", "add", "fiction", "--code-file", ruleFile)
	require.NoError(t, err)

	_, err = runCLI(t, cfgPath, "subscriptions", "add", "empty")
	require.Error(t, err, "a rule without code is rejected")

	out, err = runCLI(t, cfgPath, "--output", "json", "subscriptions", "list")
	require.NoError(t, err)
	var rules []models.SubscriptionRule
	require.NoError(t, json.Unmarshal([]byte(out), &rules))
	require.Len(t, rules, 2)
	assert.Equal(t, "poetry", rules[0].ChannelID)
	assert.Equal(t, []string{"u1", "u2"}, rules[0].SubscribedUserIDs)
	assert.Equal(t, "fiction", rules[1].ChannelID)

	_, err = runCLI(t, cfgPath, "subscriptions", "remove", "poetry")
	require.NoError(t, err)
	_, err = runCLI(t, cfgPath, "subscriptions", "remove", "poetry")
	require.Error(t, err)

	_, err = runCLI(t, cfgPath, "subscriptions", "name", "shelf", "c1", "Fiction")
	require.Error(t, err, "unknown name kind")
}

func TestEvalCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir, "http://127.0.0.1:1")
	_, err := runCLI(t, cfgPath, "subscriptions", "name", "category", "c1", "Fiction")
	require.NoError(t, err)

	subPath := writeSubmission(t, dir, models.Submission{ID: "s1", Name: "Gulls", CategoryID: "c1", Tags: []string{"poem"}})

	out, err := runCLI(t, cfgPath, "eval", subPath, "--code", `submission.Category() == "Fiction"`)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "[✓] dry-run"), "got %q", out)

	out, err = runCLI(t, cfgPath, "--output", "json", "eval", subPath, "--code", `submission.HasTag("prose")`)
	require.NoError(t, err)
	var res models.MatchResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Matched)
	assert.Equal(t, "dry-run", res.ChannelID)

	_, err = runCLI(t, cfgPath, "eval", subPath, "--code", "x", "--code-file", "y")
	require.Error(t, err)
}

func TestProcessRelatedAndRebuild(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir, newEmbedServer(t).URL)

	_, err := runCLI(t, cfgPath, "subscriptions", "add", "poetry", "--code", `submission.HasTag("poem")`)
	require.NoError(t, err)

	first := writeSubmission(t, dir, models.Submission{ID: "s1", Name: "Gulls", Tags: []string{"poem"}, Text: "gulls over the harbour"})
	out, err := runCLI(t, cfgPath, "--output", "json", "process", first)
	require.NoError(t, err)
	var outcome pipeline.Outcome
	require.NoError(t, json.Unmarshal([]byte(out), &outcome))
	assert.Equal(t, []string{"poetry"}, outcome.Report.MatchedChannelIDs)
	assert.True(t, outcome.Indexed)
	assert.FileExists(t, filepath.Join(dir, "indices", "vectors.idx"))

	second := writeSubmission(t, dir, models.Submission{ID: "s2", Name: "Gulls again", Text: "gulls over the harbour at dusk"})
	out, err = runCLI(t, cfgPath, "process", second)
	require.NoError(t, err)
	assert.Contains(t, out, "Submission s2 (Gulls again)")
	assert.Contains(t, out, "Matched 0 of 1 subscriptions")

	out, err = runCLI(t, cfgPath, "--output", "json", "related", second)
	require.NoError(t, err)
	var entries []models.RelatedEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.NotEqual(t, "s2", e.ID, "a submission is never related to itself")
	}

	out, err = runCLI(t, cfgPath, "--output", "json", "index", "rebuild")
	require.NoError(t, err)
	var rebuilt map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &rebuilt))
	assert.Equal(t, 2, rebuilt["vectors"])
}

func TestNewRuleSandbox_appliesLimits(t *testing.T) {
	assert.Equal(t, sandbox.MaxTimeout, config.MaxSandboxTimeout)

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Sandbox.Timeout = config.MaxSandboxTimeout
	cfg.Sandbox.MemoryLimitMB = 64
	s, err := newRuleSandbox(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, config.MaxSandboxTimeout, s.Timeout())
	assert.EqualValues(t, 64<<20, s.MemoryLimit())
}
