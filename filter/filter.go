package filter

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/dhcgn/mbox-threader/model"
)

// Options captures the filtering configuration applied between the
// message stream and the thread reconstructor.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Filter holds compiled regex patterns matched against parsed messages.
type Filter struct {
	includeMode   bool
	excludeMode   bool
	includeHeader []*regexp.Regexp
	includeBody   []*regexp.Regexp
	excludeHeader []*regexp.Regexp
	excludeBody   []*regexp.Regexp

	mu   sync.Mutex
	hits map[string]int
}

// Stats reports per-pattern hit counts observed so far.
type Stats struct {
	Hits map[string]int
}

// New compiles the configured patterns. Include and exclude modes are
// mutually exclusive.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns(opts.IncludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	includeBody, err := compilePatterns(opts.IncludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile include-body pattern: %w", err)
	}
	excludeHeader, err := compilePatterns(opts.ExcludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}
	excludeBody, err := compilePatterns(opts.ExcludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-body pattern: %w", err)
	}

	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeMode:   includeActive,
		excludeMode:   excludeActive,
		includeHeader: includeHeader,
		includeBody:   includeBody,
		excludeHeader: excludeHeader,
		excludeBody:   excludeBody,
		hits:          make(map[string]int),
	}, nil
}

// Allows returns true if the message passes the filter criteria.
func (f *Filter) Allows(msg model.Message) bool {
	if !f.includeMode && !f.excludeMode {
		return true
	}

	var headerText, bodyText string
	if len(f.includeHeader) > 0 || len(f.excludeHeader) > 0 {
		headerText = formatHeaders(msg.Headers)
	}
	if len(f.includeBody) > 0 || len(f.excludeBody) > 0 {
		bodyText = msg.BodyText + "\n" + msg.BodyHTML
	}

	if f.includeMode {
		return f.matchAny(f.includeHeader, headerText) || f.matchAny(f.includeBody, bodyText)
	}

	if f.matchAny(f.excludeHeader, headerText) || f.matchAny(f.excludeBody, bodyText) {
		return false
	}
	return true
}

// GetStats returns a copy of the per-pattern hit counters.
func (f *Filter) GetStats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	hits := make(map[string]int, len(f.hits))
	for k, v := range f.hits {
		hits[k] = v
	}
	return Stats{Hits: hits}
}

func (f *Filter) matchAny(patterns []*regexp.Regexp, text string) bool {
	if len(patterns) == 0 || text == "" {
		return false
	}
	matched := false
	for _, re := range patterns {
		if re.MatchString(text) {
			matched = true
			f.mu.Lock()
			f.hits[re.String()]++
			f.mu.Unlock()
		}
	}
	return matched
}

func formatHeaders(headers map[string][]string) string {
	var sb strings.Builder
	for key, values := range headers {
		for _, value := range values {
			sb.WriteString(key)
			sb.WriteString(": ")
			sb.WriteString(value)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
