package agents

import (
	"crypto/md5"
	"encoding/binary"
	"regexp"
	"strings"
	"sync"

	"github.com/sharpyfox/rtbkit/bidrequest"
)

// StringFilter is an include-exclude list over plain strings. An empty include
// list accepts everything; exclude always wins.
type StringFilter struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

func (f *StringFilter) IsEmpty() bool {
	return len(f.Include) == 0 && len(f.Exclude) == 0
}

func (f *StringFilter) Accepts(value string) bool {
	for _, e := range f.Exclude {
		if e == value {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, i := range f.Include {
		if i == value {
			return true
		}
	}
	return false
}

// DomainFilter is an include-exclude list of domain suffixes matched against
// a URL host. "example.com" matches both "example.com" and "www.example.com".
type DomainFilter struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

func (f *DomainFilter) IsEmpty() bool {
	return len(f.Include) == 0 && len(f.Exclude) == 0
}

func (f *DomainFilter) Accepts(host string) bool {
	host = strings.ToLower(host)
	for _, e := range f.Exclude {
		if domainMatches(host, e) {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, i := range f.Include {
		if domainMatches(host, i) {
			return true
		}
	}
	return false
}

func domainMatches(host, domain string) bool {
	domain = strings.ToLower(domain)
	if host == domain {
		return true
	}
	return strings.HasSuffix(host, "."+domain)
}

// CachedRegex is one compiled pattern with its precomputed hash. Compiled
// objects live for the process lifetime; per-request result caches are keyed
// by the pattern hash.
type CachedRegex struct {
	Pattern string
	Hash    uint64
	regex   *regexp.Regexp
}

func (r *CachedRegex) Matches(value string) bool {
	return r.regex.MatchString(value)
}

var (
	regexCompileLock sync.Mutex
	compiledRegexes  = make(map[string]*CachedRegex)
)

// compileRegex returns the process-wide compiled form of a pattern. Entries
// are never evicted.
func compileRegex(pattern string) (*CachedRegex, error) {
	regexCompileLock.Lock()
	defer regexCompileLock.Unlock()
	if cached, ok := compiledRegexes[pattern]; ok {
		return cached, nil
	}
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	cached := &CachedRegex{Pattern: pattern, Hash: HashString(pattern), regex: compiled}
	compiledRegexes[pattern] = cached
	return cached, nil
}

// RegexFilter is an include-exclude list of regular expressions. Patterns are
// compiled once at publish time.
type RegexFilter struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`

	include []*CachedRegex
	exclude []*CachedRegex
}

func (f *RegexFilter) IsEmpty() bool {
	return len(f.Include) == 0 && len(f.Exclude) == 0
}

func (f *RegexFilter) compile() error {
	f.include = f.include[:0]
	f.exclude = f.exclude[:0]
	for _, pattern := range f.Include {
		compiled, err := compileRegex(pattern)
		if err != nil {
			return err
		}
		f.include = append(f.include, compiled)
	}
	for _, pattern := range f.Exclude {
		compiled, err := compileRegex(pattern)
		if err != nil {
			return err
		}
		f.exclude = append(f.exclude, compiled)
	}
	return nil
}

// ResultCache memoizes regex results for one value within a single filter
// pass, keyed by pattern hash. It must not outlive the request.
type ResultCache map[uint64]bool

// Accepts evaluates the filter against a value, memoizing per-pattern results
// in the supplied cache. A nil cache disables memoization.
func (f *RegexFilter) Accepts(value string, cache ResultCache) bool {
	for _, e := range f.exclude {
		if regexMatch(e, value, cache) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, i := range f.include {
		if regexMatch(i, value, cache) {
			return true
		}
	}
	return false
}

func regexMatch(r *CachedRegex, value string, cache ResultCache) bool {
	if cache != nil {
		if result, ok := cache[r.Hash]; ok {
			return result
		}
	}
	result := r.Matches(value)
	if cache != nil {
		cache[r.Hash] = result
	}
	return result
}

// PositionFilter is an include-exclude list over fold positions.
type PositionFilter struct {
	Include []bidrequest.Position `json:"include,omitempty"`
	Exclude []bidrequest.Position `json:"exclude,omitempty"`
}

func (f *PositionFilter) IsEmpty() bool {
	return len(f.Include) == 0 && len(f.Exclude) == 0
}

func (f *PositionFilter) Accepts(position bidrequest.Position) bool {
	for _, e := range f.Exclude {
		if e == position {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, i := range f.Include {
		if i == position {
			return true
		}
	}
	return false
}

// HashString is the 64-bit truncation of md5 used for all filter hashing.
func HashString(s string) uint64 {
	sum := md5.Sum([]byte(s))
	return binary.BigEndian.Uint64(sum[:8])
}
