package secrets

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Finding locates one credential. The matched text is never kept.
type Finding struct {
	Rule  string
	Start int
	End   int
	Line  int
}

// Scrubber masks credentials in text. A nil *Scrubber passes text through.
//
// Text is scanned twice: by the gitleaks default rule set and by the
// goalkeeper rules, which cover what shows up in goal output but is not a
// provider token, such as git remotes and database URLs with credentials.
type Scrubber struct {
	rules []Rule
	allow []*regexp.Regexp
	mask  string

	useDetector bool
	// mu serializes DetectString; the detector is shared.
	mu       sync.Mutex
	detector *detect.Detector
}

// Option configures a Scrubber.
type Option func(*Scrubber) error

// WithRules replaces the default rules.
func WithRules(rules ...Rule) Option {
	return func(s *Scrubber) error {
		for i, r := range rules {
			if r.ID == "" || r.Pattern == nil {
				return fmt.Errorf("rule %d needs an id and a pattern", i)
			}
		}
		s.rules = rules
		return nil
	}
}

// WithAllowList keeps matches that also match one of patterns, such as
// documented example keys.
func WithAllowList(patterns ...string) Option {
	return func(s *Scrubber) error {
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("allow list pattern %q: %w", p, err)
			}
			s.allow = append(s.allow, re)
		}
		return nil
	}
}

// WithMask sets the replacement text.
func WithMask(mask string) Option {
	return func(s *Scrubber) error {
		if mask == "" {
			return errors.New("empty mask")
		}
		s.mask = mask
		return nil
	}
}

// WithoutDetector scans with the goalkeeper rules only.
func WithoutDetector() Option {
	return func(s *Scrubber) error {
		s.useDetector = false
		return nil
	}
}

// New returns a Scrubber using the gitleaks default rules plus DefaultRules,
// unless WithRules or WithoutDetector say otherwise.
func New(opts ...Option) (*Scrubber, error) {
	s := &Scrubber{rules: DefaultRules(), mask: "[REDACTED]", useDetector: true}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.useDetector {
		detector, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			return nil, fmt.Errorf("loading gitleaks rules: %w", err)
		}
		s.detector = detector
	}
	return s, nil
}

// MustNew is New for options known to be valid.
func MustNew(opts ...Option) *Scrubber {
	s, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// Find reports every credential in text, ordered by position.
func (s *Scrubber) Find(text string) []Finding {
	if s == nil {
		return nil
	}
	var out []Finding
	lower := strings.ToLower(text)
	for _, r := range s.rules {
		if !hasKeyword(lower, r.Keywords) {
			continue
		}
		for _, m := range r.Pattern.FindAllStringIndex(text, -1) {
			if s.allowed(text[m[0]:m[1]]) {
				continue
			}
			out = append(out, finding(text, r.ID, m[0], m[1]))
		}
	}
	out = append(out, s.detect(text)...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].End > out[j].End
	})
	return out
}

// detect runs gitleaks over text. Its findings carry line and column, which
// do not survive multi-byte text, so each secret is located by value
// instead; every occurrence is reported.
func (s *Scrubber) detect(text string) []Finding {
	if s.detector == nil {
		return nil
	}
	s.mu.Lock()
	leaks := s.detector.DetectString(text)
	s.mu.Unlock()

	var out []Finding
	seen := make(map[string]bool)
	for _, leak := range leaks {
		secret := leak.Secret
		if secret == "" {
			secret = leak.Match
		}
		key := leak.RuleID + "\x00" + secret
		if secret == "" || seen[key] || s.allowed(secret) {
			continue
		}
		seen[key] = true
		for from := 0; ; {
			i := strings.Index(text[from:], secret)
			if i < 0 {
				break
			}
			start := from + i
			out = append(out, finding(text, leak.RuleID, start, start+len(secret)))
			from = start + len(secret)
		}
	}
	return out
}

func finding(text, rule string, start, end int) Finding {
	return Finding{
		Rule:  rule,
		Start: start,
		End:   end,
		Line:  strings.Count(text[:start], "\n") + 1,
	}
}

// Scrub returns text with every finding replaced by the mask. Overlapping
// findings collapse into one mask.
func (s *Scrubber) Scrub(text string) string {
	findings := s.Find(text)
	if len(findings) == 0 {
		return text
	}
	var b strings.Builder
	pos := 0
	for _, f := range findings {
		if f.End <= pos {
			continue
		}
		if f.Start >= pos {
			b.WriteString(text[pos:f.Start])
			b.WriteString(s.mask)
		}
		pos = f.End
	}
	b.WriteString(text[pos:])
	return b.String()
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

func hasKeyword(lower string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, k := range keywords {
		if strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}
