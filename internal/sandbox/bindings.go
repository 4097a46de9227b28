package sandbox

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"

	"github.com/hyperjump/tsuuchi/internal/models"
)

// bindingPackage is the import path rules use to read the submission.
const bindingPackage = "submission"

// Bindings is the read-only data a rule is evaluated against.
type Bindings struct {
	Name           string
	Tags           []string
	ArchiveChannel string
	Category       string
	Fields         map[string]any
}

// BindingsFor builds bindings from a submission and its resolved display names.
// The result shares nothing mutable with sub.
func BindingsFor(sub *models.Submission, archiveChannel, category string) Bindings {
	if sub == nil {
		return Bindings{ArchiveChannel: archiveChannel, Category: category}
	}
	fields, _ := deepCopy(sub.Record).(map[string]any)
	return Bindings{
		Name:           sub.Name,
		Tags:           append([]string(nil), sub.Tags...),
		ArchiveChannel: archiveChannel,
		Category:       category,
		Fields:         fields,
	}
}

// logSink collects rule output. Writes after seal are dropped, so an aborted rule
// cannot append to a result that was already returned.
type logSink struct {
	mu      sync.Mutex
	entries []models.LogEntry
	sealed  bool
	partial map[models.LogKind]string
}

func (s *logSink) add(kind models.LogKind, msg, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return
	}
	s.entries = append(s.entries, models.LogEntry{Kind: kind, Message: msg, Detail: detail})
}

// seal stops collection and returns the collected entries.
func (s *logSink) seal() []models.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sealed {
		s.sealed = true
		for _, kind := range []models.LogKind{models.LogInfo, models.LogWarn} {
			if rest := s.partial[kind]; rest != "" {
				s.entries = append(s.entries, models.LogEntry{Kind: kind, Message: rest})
			}
		}
	}
	return append([]models.LogEntry(nil), s.entries...)
}

// writer returns an io.Writer that turns print/println output into log lines of kind.
func (s *logSink) writer(kind models.LogKind) *lineWriter {
	return &lineWriter{sink: s, kind: kind}
}

type lineWriter struct {
	sink *logSink
	kind models.LogKind
}

func (w *lineWriter) Write(p []byte) (int, error) {
	s := w.sink
	s.mu.Lock()
	if s.sealed {
		s.mu.Unlock()
		return len(p), nil
	}
	if s.partial == nil {
		s.partial = make(map[models.LogKind]string)
	}
	buf := s.partial[w.kind] + string(p)
	lines := strings.Split(buf, "\n")
	s.partial[w.kind] = lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		s.entries = append(s.entries, models.LogEntry{Kind: w.kind, Message: line})
	}
	s.mu.Unlock()
	return len(p), nil
}

// exports returns the submission package for one evaluation.
func (b Bindings) exports(sink *logSink) interp.Exports {
	tags := append([]string(nil), b.Tags...)
	return interp.Exports{
		bindingPackage + "/" + bindingPackage: {
			"Name":           reflect.ValueOf(func() string { return b.Name }),
			"Tags":           reflect.ValueOf(func() []string { return append([]string(nil), tags...) }),
			"HasTag":         reflect.ValueOf(func(tag string) bool { return hasTag(tags, tag) }),
			"ArchiveChannel": reflect.ValueOf(func() string { return b.ArchiveChannel }),
			"Category":       reflect.ValueOf(func() string { return b.Category }),
			"Field":          reflect.ValueOf(func(key string) any { return deepCopy(b.Fields[key]) }),
			"FieldString":    reflect.ValueOf(func(key string) string { return fieldString(b.Fields[key]) }),
			"HasField": reflect.ValueOf(func(key string) bool {
				_, ok := b.Fields[key]
				return ok
			}),
			"Fields": reflect.ValueOf(func() map[string]any {
				m, _ := deepCopy(b.Fields).(map[string]any)
				if m == nil {
					m = map[string]any{}
				}
				return m
			}),
			"Log": reflect.ValueOf(func(args ...any) {
				sink.add(models.LogInfo, strings.TrimSuffix(fmt.Sprintln(args...), "\n"), "")
			}),
			"Logf": reflect.ValueOf(func(format string, args ...any) {
				sink.add(models.LogInfo, fmt.Sprintf(format, args...), "")
			}),
		},
	}
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

func fieldString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []any:
		parts := make([]string, len(x))
		for i, p := range x {
			parts[i] = fieldString(p)
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(x, ", ")
	default:
		return fmt.Sprint(x)
	}
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		if x == nil {
			return map[string]any(nil)
		}
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[k] = deepCopy(val)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, val := range x {
			s[i] = deepCopy(val)
		}
		return s
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}
