package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hyperjump/tsuuchi/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newSandbox(t *testing.T, opts ...Option) *Sandbox {
	t.Helper()
	s, err := New(opts...)
	require.NoError(t, err)
	return s
}

func countKind(logs []models.LogEntry, kind models.LogKind) int {
	n := 0
	for _, l := range logs {
		if l.Kind == kind {
			n++
		}
	}
	return n
}

func sampleBindings() Bindings {
	return Bindings{
		Name:           "Compact Sorting Machine",
		Tags:           []string{"Storage", "Redstone"},
		ArchiveChannel: "storage-archive",
		Category:       "Item Sorting",
		Fields: map[string]any{
			"authors": []any{"alice", "bob"},
			"version": "1.20",
			"speed":   float64(12),
			"meta":    map[string]any{"lag_friendly": true},
		},
	}
}

func TestEvaluate_True(t *testing.T) {
	res := newSandbox(t).Evaluate(context.Background(), "true", Bindings{})
	assert.True(t, res.Matched)
	assert.NoError(t, res.Err)
	assert.Zero(t, countKind(res.Logs, models.LogError))
}

func TestEvaluate_MissingIdentifier(t *testing.T) {
	res := newSandbox(t).Evaluate(context.Background(), "missing.field.access", Bindings{})
	assert.False(t, res.Matched)
	assert.Equal(t, 1, countKind(res.Logs, models.LogError))
	var rt *RuntimeError
	assert.ErrorAs(t, res.Err, &rt)
}

func TestEvaluate_InfiniteLoopTimesOut(t *testing.T) {
	const deadline = 100 * time.Millisecond
	s := newSandbox(t, WithTimeout(deadline))

	start := time.Now()
	res := s.Evaluate(context.Background(), "for {\n}", Bindings{})
	elapsed := time.Since(start)

	assert.False(t, res.Matched)
	assert.Less(t, elapsed, deadline+500*time.Millisecond)
	require.Len(t, res.Logs, 1)
	assert.Equal(t, models.LogTimeout, res.Logs[0].Kind)
	var te *TimeoutError
	assert.ErrorAs(t, res.Err, &te)
	assert.True(t, errors.Is(res.Err, context.DeadlineExceeded))
}

func TestEvaluate_NonBoolean(t *testing.T) {
	res := newSandbox(t).Evaluate(context.Background(), `"yes"`, Bindings{})
	assert.False(t, res.Matched)
	require.Equal(t, 1, countKind(res.Logs, models.LogError))
	assert.Contains(t, res.Logs[len(res.Logs)-1].Message, "unexpected return type: string")
}

func TestEvaluate_Panic(t *testing.T) {
	code := `var m map[string]int
m["boom"] = 1
return true`
	res := newSandbox(t).Evaluate(context.Background(), code, Bindings{})
	assert.False(t, res.Matched)
	require.Equal(t, 1, countKind(res.Logs, models.LogError))
	var rt *RuntimeError
	assert.ErrorAs(t, res.Err, &rt)
}

func TestEvaluate_ExplicitPanic(t *testing.T) {
	res := newSandbox(t).Evaluate(context.Background(), `func() bool { panic("nope") }()`, Bindings{})
	assert.False(t, res.Matched)
	require.Equal(t, 1, countKind(res.Logs, models.LogError))
	assert.Contains(t, res.Logs[0].Message, "nope")
}

func TestEvaluate_Bindings(t *testing.T) {
	s := newSandbox(t)
	b := sampleBindings()
	cases := []struct {
		code string
		want bool
	}{
		{`submission.Name() == "Compact Sorting Machine"`, true},
		{`submission.HasTag("redstone")`, true},
		{`submission.HasTag("farms")`, false},
		{`submission.Category() == "Item Sorting" && submission.ArchiveChannel() != ""`, true},
		{`strings.Contains(submission.FieldString("authors"), "bob")`, true},
		{`submission.FieldString("version") == "1.20"`, true},
		{`submission.HasField("speed") && !submission.HasField("nope")`, true},
		{`len(submission.Tags()) == 2`, true},
		{`regexp.MustCompile("^Compact").MatchString(submission.Name())`, true},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			res := s.Evaluate(context.Background(), tc.code, b)
			require.NoError(t, res.Err, "logs: %v", res.Logs)
			assert.Equal(t, tc.want, res.Matched)
		})
	}
}

func TestEvaluate_FunctionBody(t *testing.T) {
	code := `
for _, tag := range submission.Tags() {
	if strings.EqualFold(tag, "storage") {
		submission.Log("matched tag", tag)
		return true
	}
}
return false`
	res := newSandbox(t).Evaluate(context.Background(), code, sampleBindings())
	require.NoError(t, res.Err)
	assert.True(t, res.Matched)
	require.Len(t, res.Logs, 1)
	assert.Equal(t, models.LogEntry{Kind: models.LogInfo, Message: "matched tag Storage"}, res.Logs[0])
}

func TestEvaluate_LogCapture(t *testing.T) {
	code := `submission.Logf("speed=%v", submission.Field("speed"))
submission.Log("authors:", submission.FieldString("authors"))
return submission.Field("speed") != nil`
	res := newSandbox(t).Evaluate(context.Background(), code, sampleBindings())
	require.NoError(t, res.Err)
	assert.True(t, res.Matched)
	require.Len(t, res.Logs, 2)
	assert.Equal(t, "speed=12", res.Logs[0].Message)
	assert.Equal(t, "authors: alice, bob", res.Logs[1].Message)
}

func TestEvaluate_LogsKeptOnFailure(t *testing.T) {
	code := `submission.Log("before")
var s []int
return s[3] == 1`
	res := newSandbox(t).Evaluate(context.Background(), code, Bindings{})
	assert.False(t, res.Matched)
	require.Len(t, res.Logs, 2)
	assert.Equal(t, models.LogInfo, res.Logs[0].Kind)
	assert.Equal(t, models.LogError, res.Logs[1].Kind)
}

func TestEvaluate_ForbiddenCapabilities(t *testing.T) {
	s := newSandbox(t)
	for _, code := range []string{
		`os.Getenv("HOME") != ""`,
		`exec.Command("ls") != nil`,
		`http.Get("http://example.com") == nil`,
		`fmt.Sprint(1) == "1"`,
	} {
		t.Run(code, func(t *testing.T) {
			res := s.Evaluate(context.Background(), code, Bindings{})
			assert.False(t, res.Matched)
			assert.Equal(t, 1, countKind(res.Logs, models.LogError))
		})
	}
}

func TestEvaluate_AsyncConstructsRejected(t *testing.T) {
	s := newSandbox(t)
	for _, code := range []string{
		"go func() {}()\nreturn true",
		"ch := make(chan bool, 1)\nch <- true\nreturn <-ch",
		"select {}",
	} {
		t.Run(code, func(t *testing.T) {
			res := s.Evaluate(context.Background(), code, Bindings{})
			assert.False(t, res.Matched)
			require.Len(t, res.Logs, 1)
			assert.Contains(t, res.Logs[0].Message, "asynchronous constructs")
		})
	}
}

func TestEvaluate_BindingsAreReadOnly(t *testing.T) {
	b := sampleBindings()
	code := `f := submission.Fields()
f["version"] = "hacked"
tags := submission.Tags()
tags[0] = "hacked"
return true`
	res := newSandbox(t).Evaluate(context.Background(), code, b)
	require.NoError(t, res.Err, "logs: %v", res.Logs)
	assert.Equal(t, "1.20", b.Fields["version"])
	assert.Equal(t, "Storage", b.Tags[0])
}

func TestLineWriter(t *testing.T) {
	sink := &logSink{}
	w := sink.writer(models.LogInfo)
	_, _ = w.Write([]byte("one\ntw"))
	_, _ = w.Write([]byte("o\nthree"))
	logs := sink.seal()
	require.Len(t, logs, 3)
	assert.Equal(t, "one", logs[0].Message)
	assert.Equal(t, "two", logs[1].Message)
	assert.Equal(t, "three", logs[2].Message)

	sink.add(models.LogInfo, "late", "")
	assert.Len(t, sink.seal(), 3, "writes after seal are dropped")
}

func TestDeepCopy(t *testing.T) {
	orig := map[string]any{"meta": map[string]any{"ok": true}, "list": []any{"a"}}
	cp := deepCopy(orig).(map[string]any)
	cp["meta"].(map[string]any)["ok"] = false
	cp["list"].([]any)[0] = "b"
	assert.Equal(t, true, orig["meta"].(map[string]any)["ok"])
	assert.Equal(t, "a", orig["list"].([]any)[0])
}

func TestEvaluate_NoStateBetweenCalls(t *testing.T) {
	s := newSandbox(t)
	first := s.Evaluate(context.Background(), "counter := 41\ncounter++\nreturn counter == 42", Bindings{})
	require.NoError(t, first.Err)
	second := s.Evaluate(context.Background(), "counter == 42", Bindings{})
	assert.False(t, second.Matched)
	assert.Equal(t, 1, countKind(second.Logs, models.LogError))
}

func TestEvaluate_EmptyAndSyntaxErrors(t *testing.T) {
	s := newSandbox(t)
	for _, code := range []string{"", "   ", "true &&", "if {"} {
		res := s.Evaluate(context.Background(), code, Bindings{})
		assert.False(t, res.Matched, code)
		assert.Equal(t, 1, countKind(res.Logs, models.LogError), code)
	}
}

func TestEvaluate_Concurrent(t *testing.T) {
	s := newSandbox(t, WithTimeout(200*time.Millisecond))
	b := sampleBindings()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code := `submission.HasTag("storage")`
			if i%4 == 0 {
				code = "for {\n}"
			}
			res := s.Evaluate(context.Background(), code, b)
			if i%4 == 0 {
				assert.False(t, res.Matched)
			} else {
				assert.True(t, res.Matched)
			}
		}(i)
	}
	wg.Wait()
}

func TestNew_RejectsDeniedPackages(t *testing.T) {
	for _, pkg := range []string{"os", "os/exec", "net/http", "unsafe", "fmt", "time"} {
		_, err := New(WithAllowedPackages(pkg))
		assert.Error(t, err, pkg)
	}
	_, err := New(WithAllowedPackages("not/a/package"))
	assert.Error(t, err)

	s := newSandbox(t, WithAllowedPackages("strings", "unicode/utf8"))
	assert.Equal(t, []string{"strings", "unicode/utf8"}, s.AllowedPackages())
	res := s.Evaluate(context.Background(), `utf8.RuneCountInString("héllo") == 5`, Bindings{})
	assert.True(t, res.Matched, "logs: %v", res.Logs)
}

func TestEvaluateRule(t *testing.T) {
	s := newSandbox(t)
	mr := s.EvaluateRule(context.Background(), models.SubscriptionRule{ChannelID: "c1", Code: "1 < 2"}, Bindings{})
	assert.Equal(t, "c1", mr.ChannelID)
	assert.True(t, mr.Matched)
}

func TestBindingsFor(t *testing.T) {
	sub := &models.Submission{
		Name:   "Farm",
		Tags:   []string{"farms"},
		Record: map[string]any{"rates": []any{"1k/h"}},
	}
	b := BindingsFor(sub, "archive", "cat")
	sub.Tags[0] = "changed"
	sub.Record["rates"].([]any)[0] = "changed"
	assert.Equal(t, "farms", b.Tags[0])
	assert.Equal(t, "1k/h", b.Fields["rates"].([]any)[0])
	assert.Equal(t, "archive", b.ArchiveChannel)
	assert.Equal(t, "cat", b.Category)
}

func TestEvaluate_OversizedAllocationsRejected(t *testing.T) {
	s := newSandbox(t)
	for _, code := range []string{
		`len(make([]byte, 1<<40)) > 0`,
		"var a [1 << 40]byte\nreturn len(a) > 0",
		"b := []byte{1 << 40: 1}\nreturn len(b) > 0",
		"n := 10\nreturn len(make([]int, n)) > 0",
		`len(strings.Repeat("x", 1<<40)) > 0`,
		"s := strings.Repeat(\"a\", 1<<20)\nreturn len(strings.ReplaceAll(s, \"\", s)) > 0",
	} {
		res := s.Evaluate(context.Background(), code, Bindings{})
		assert.False(t, res.Matched, code)
		assert.Equal(t, 1, countKind(res.Logs, models.LogError), code)
		var rt *RuntimeError
		assert.ErrorAs(t, res.Err, &rt, code)
	}

	long := "true" + strings.Repeat(" && true", MaxRuleSize/8)
	res := s.Evaluate(context.Background(), long, Bindings{})
	assert.False(t, res.Matched)
	assert.Equal(t, 1, countKind(res.Logs, models.LogError))
}

func TestEvaluate_BoundedAllocationsAllowed(t *testing.T) {
	s := newSandbox(t)
	for _, code := range []string{
		`len(make([]string, 0, len(submission.Tags())+4)) == 0`,
		`strings.Repeat("ab", 3) == "ababab"`,
		`strings.Join(submission.Tags(), ",") == "Storage,Redstone"`,
		"var buf [64]byte\nreturn len(buf) == 64",
	} {
		res := s.Evaluate(context.Background(), code, sampleBindings())
		require.NoError(t, res.Err, code)
		assert.True(t, res.Matched, code)
	}
}

func TestEvaluate_MemoryGuardStopsGrowth(t *testing.T) {
	s := newSandbox(t, WithMemoryLimit(32<<20))
	code := `s := "0123456789abcdef"
for i := 0; i < 40; i++ {
	s += s
}
return len(s) > 0`
	res := s.Evaluate(context.Background(), code, Bindings{})
	assert.False(t, res.Matched)
	require.Equal(t, 1, countKind(res.Logs, models.LogError))
	assert.Zero(t, countKind(res.Logs, models.LogTimeout))
	assert.Contains(t, res.Logs[0].Message, "memory limit")
	assert.True(t, errors.Is(res.Err, errMemoryLimit))

	after := s.Evaluate(context.Background(), "true", Bindings{})
	assert.True(t, after.Matched, "the guard resets once the rule stops")
}

func TestEvaluate_RecursionRejected(t *testing.T) {
	s := newSandbox(t, WithTimeout(5*time.Second))
	assert.Equal(t, MaxTimeout, s.Timeout())

	for _, code := range []string{
		"var f func(int) int\nf = func(n int) int { return f(n+1) + 1 }\nreturn f(0) > 0",
		`var even, odd func(int) bool
even = func(n int) bool { return n == 0 || odd(n-1) }
odd = func(n int) bool { return n != 0 && even(n-1) }
return even(1 << 30)`,
		`fns := map[string]func() bool{}
fns["loop"] = func() bool { return fns["loop"]() }
return fns["loop"]()`,
		`var f func() bool
p := &f
*p = func() bool { return f() }
return f()`,
		`var keep func() bool
save := func(h func() bool) { keep = h }
var loop func() bool
loop = func() bool { return keep() }
save(loop)
return loop()`,
		"type F func(F) bool\nf := func(g F) bool { return g(g) }\nreturn f(f)",
		"f := func(g any) bool { return g.(func(any) bool)(g) }\nreturn f(f)",
	} {
		start := time.Now()
		res := s.Evaluate(context.Background(), code, Bindings{})
		assert.False(t, res.Matched, code)
		assert.Equal(t, 1, countKind(res.Logs, models.LogError), code)
		assert.Zero(t, countKind(res.Logs, models.LogTimeout), code)
		assert.Less(t, time.Since(start), 500*time.Millisecond, code)
	}
}

func TestEvaluate_HelperClosuresAllowed(t *testing.T) {
	s := newSandbox(t)
	for _, code := range []string{
		`has := func(t string) bool {
	for _, x := range submission.Tags() {
		if x == t {
			return true
		}
	}
	return false
}
return has("Storage") && !has("Farms")`,
		"count := 0\ninc := func() { count++ }\ninc()\ninc()\nreturn count == 2",
		`checks := []func() bool{func() bool { return submission.Name() != "" }}
for _, c := range checks {
	if c() {
		return true
	}
}
return false`,
	} {
		res := s.Evaluate(context.Background(), code, sampleBindings())
		require.NoError(t, res.Err, code)
		assert.True(t, res.Matched, code)
	}
}
