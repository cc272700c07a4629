// Package redact strips secrets from agent output before it reaches
// observers.
//
// Detection uses the gitleaks default rule set. Each secret is replaced
// with a [REDACTED:<rule-id>] marker so readers can still tell what kind
// of value was removed.
package redact

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/fyrsmithlabs/conductord/internal/events"
)

// Redactor replaces secrets found by gitleaks with markers.
type Redactor struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// New builds a Redactor with the gitleaks default configuration.
func New() (*Redactor, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("load gitleaks config: %w", err)
	}
	return &Redactor{detector: d}, nil
}

// String returns s with every detected secret replaced and the number of
// replacements made.
func (r *Redactor) String(s string) (string, int) {
	if s == "" {
		return s, 0
	}
	r.mu.Lock()
	findings := r.detector.DetectString(s)
	r.mu.Unlock()
	if len(findings) == 0 {
		return s, 0
	}

	markers := make(map[string]string, len(findings))
	for _, f := range findings {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		if secret == "" {
			continue
		}
		if _, seen := markers[secret]; !seen {
			markers[secret] = "[REDACTED:" + f.RuleID + "]"
		}
	}

	// Longest first so a secret containing another is replaced whole.
	secrets := make([]string, 0, len(markers))
	for secret := range markers {
		secrets = append(secrets, secret)
	}
	sort.Slice(secrets, func(i, j int) bool { return len(secrets[i]) > len(secrets[j]) })

	n := 0
	for _, secret := range secrets {
		n += strings.Count(s, secret)
		s = strings.ReplaceAll(s, secret, markers[secret])
	}
	return s, n
}

// Value redacts every string inside a decoded JSON value. Maps and slices
// are rewritten in place.
func (r *Redactor) Value(v any) (any, int) {
	switch t := v.(type) {
	case string:
		return r.String(t)
	case map[string]any:
		total := 0
		for k, item := range t {
			var n int
			t[k], n = r.Value(item)
			total += n
		}
		return t, total
	case []any:
		total := 0
		for i, item := range t {
			var n int
			t[i], n = r.Value(item)
			total += n
		}
		return t, total
	default:
		return v, 0
	}
}

// Event redacts the payload of ev. Payloads must be decoded JSON values;
// typed payloads pass through untouched.
func (r *Redactor) Event(ev events.Event) (events.Event, int) {
	var n int
	ev.Payload, n = r.Value(ev.Payload)
	return ev, n
}
