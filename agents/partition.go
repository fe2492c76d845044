package agents

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
)

// HashSource selects what a user partition hashes on.
type HashSource int

const (
	HashNone HashSource = iota // hash always returns zero
	HashRandom
	HashExchangeID // md5 of the exchange user id
	HashProviderID // md5 of the provider user id
	HashIPUA       // md5 of ip followed by user-agent, no delimiter
)

var hashSourceNames = map[HashSource]string{
	HashNone:       "none",
	HashRandom:     "random",
	HashExchangeID: "exchangeId",
	HashProviderID: "providerId",
	HashIPUA:       "ipua",
}

func (h HashSource) String() string {
	if name, ok := hashSourceNames[h]; ok {
		return name
	}
	return fmt.Sprintf("HashSource(%d)", int(h))
}

func ParseHashSource(s string) (HashSource, error) {
	for source, name := range hashSourceNames {
		if strings.EqualFold(name, s) {
			return source, nil
		}
	}
	return HashNone, fmt.Errorf("unknown hash source %q", s)
}

func (h HashSource) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *HashSource) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseHashSource(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Interval is a half-open [First, Last) range of accepted hash values.
type Interval struct {
	First int `json:"first"`
	Last  int `json:"last"`
}

func (i Interval) In(value int) bool {
	return value >= i.First && value < i.Last
}

// UserPartition consistently partitions the user population so agents can
// restrict themselves to a slice of traffic.
type UserPartition struct {
	HashOn        HashSource `json:"hashOn"`
	Modulus       int        `json:"modulus"`
	IncludeRanges []Interval `json:"includeRanges"`
}

// DefaultUserPartition accepts everyone.
func DefaultUserPartition() UserPartition {
	return UserPartition{
		HashOn:        HashNone,
		Modulus:       1,
		IncludeRanges: []Interval{{First: 0, Last: 1}},
	}
}

func (p *UserPartition) Validate() error {
	if p.Modulus <= 0 {
		return fmt.Errorf("userPartition.modulus must be positive, got %d", p.Modulus)
	}
	for _, r := range p.IncludeRanges {
		if r.First < 0 || r.Last > p.Modulus || r.First >= r.Last {
			return fmt.Errorf("userPartition interval [%d,%d) out of range for modulus %d", r.First, r.Last, p.Modulus)
		}
	}
	return nil
}

// Matches computes the partition hash for the request's user and reports
// whether it falls in an accepted interval. Modulus arithmetic is unsigned.
func (p *UserPartition) Matches(userIDs map[string]string, ip, userAgent string) bool {
	var value int
	switch p.HashOn {
	case HashNone:
		value = 0
	case HashRandom:
		value = rand.Intn(p.Modulus)
	case HashExchangeID:
		id, ok := userIDs["exchange"]
		if !ok {
			return false
		}
		value = int(HashString(id) % uint64(p.Modulus))
	case HashProviderID:
		id, ok := userIDs["provider"]
		if !ok {
			return false
		}
		value = int(HashString(id) % uint64(p.Modulus))
	case HashIPUA:
		if ip == "" && userAgent == "" {
			return false
		}
		value = int(HashString(ip+userAgent) % uint64(p.Modulus))
	}
	for _, r := range p.IncludeRanges {
		if r.In(value) {
			return true
		}
	}
	return false
}
