package agents

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sharpyfox/rtbkit/currency"
)

// AccountKey is the hierarchical billing path of an agent, e.g.
// "campaign:strategy". Budget accounts at the banker are keyed by it.
type AccountKey []string

func ParseAccountKey(s string) (AccountKey, error) {
	if s == "" {
		return nil, fmt.Errorf("empty account key")
	}
	parts := strings.Split(s, ":")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("account key %q has an empty component", s)
		}
	}
	return AccountKey(parts), nil
}

func (k AccountKey) String() string {
	return strings.Join(k, ":")
}

// ChildKey appends a component, used by the banker to shadow accounts.
func (k AccountKey) ChildKey(suffix string) AccountKey {
	child := make(AccountKey, 0, len(k)+1)
	child = append(child, k...)
	return append(child, suffix)
}

func (k AccountKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *AccountKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*k = nil
		return nil
	}
	parsed, err := ParseAccountKey(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// BlacklistType says what gets blacklisted after a bid.
type BlacklistType string

const (
	BlacklistOff      BlacklistType = "off"
	BlacklistUser     BlacklistType = "user"
	BlacklistUserSite BlacklistType = "userSite"
)

// BlacklistScope says who the blacklist entry applies to.
type BlacklistScope string

const (
	BlacklistScopeAgent   BlacklistScope = "agent"
	BlacklistScopeAccount BlacklistScope = "account"
)

// BlacklistPolicy is the agent's type, scope and duration.
type BlacklistPolicy struct {
	Type        BlacklistType  `json:"type"`
	Scope       BlacklistScope `json:"scope"`
	TimeSeconds int            `json:"timeSeconds"`
}

func (p *BlacklistPolicy) Enabled() bool {
	return p.Type != "" && p.Type != BlacklistOff && p.TimeSeconds > 0
}

func (p *BlacklistPolicy) Duration() time.Duration {
	return time.Duration(p.TimeSeconds) * time.Second
}

// BidControlType says who prices the bid.
type BidControlType string

const (
	// BidControlRelay relays to the agent which computes the price.
	BidControlRelay BidControlType = "relay"
	// BidControlRelayFixed relays to the agent but prices at the fixed CPM.
	BidControlRelayFixed BidControlType = "relayFixed"
	// BidControlFixed bids the fixed CPM without relaying.
	BidControlFixed BidControlType = "fixed"
)

// BidControl is the agent's pricing mode.
type BidControl struct {
	Type                BidControlType `json:"type"`
	FixedBidCPMInMicros int64          `json:"fixedBidCpmInMicros,omitempty"`
}

// BidResultFormat is the verbosity of result messages sent to the agent.
type BidResultFormat string

const (
	BidResultFull        BidResultFormat = "full"
	BidResultLightweight BidResultFormat = "lightweight"
	BidResultNone        BidResultFormat = "none"
)

// SegmentFilter gates on segment membership for one taxonomy source.
type SegmentFilter struct {
	// ExcludeIfNotPresent rejects requests that carry no segments at all for
	// this source.
	ExcludeIfNotPresent bool `json:"excludeIfNotPresent,omitempty"`

	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`

	// ApplyToExchanges bypasses the filter on exchanges it excludes.
	ApplyToExchanges StringFilter `json:"applyToExchanges,omitempty"`
}

// RoundRobin groups agents for weighted winner tie-breaks.
type RoundRobin struct {
	Group  string `json:"group,omitempty"`
	Weight int    `json:"weight,omitempty"`
}

// AugmentationConfig requests one enrichment step before filtering.
type AugmentationConfig struct {
	Name     string          `json:"name"`
	Config   json.RawMessage `json:"config,omitempty"`
	Required bool            `json:"required,omitempty"`
	Filters  StringFilter    `json:"filters,omitempty"`
}

// AgentConfig describes one bidding agent. Configs are immutable once
// published into the Registry; mutation is by whole-record replacement.
type AgentConfig struct {
	Account    AccountKey `json:"account"`
	ExternalID uint64     `json:"externalId,omitempty"`

	External bool `json:"external,omitempty"`
	Test     bool `json:"test,omitempty"`

	RoundRobin RoundRobin `json:"roundRobin,omitempty"`

	BidProbability     float64 `json:"bidProbability"`
	MinTimeAvailableMs float64 `json:"minTimeAvailableMs,omitempty"`
	MaxInFlight        int     `json:"maxInFlight"`

	RequiredIDs []string `json:"requiredIds,omitempty"`

	HostFilter     DomainFilter `json:"hostFilter,omitempty"`
	URLFilter      RegexFilter  `json:"urlFilter,omitempty"`
	LanguageFilter RegexFilter  `json:"languageFilter,omitempty"`
	LocationFilter RegexFilter  `json:"locationFilter,omitempty"`

	SegmentFilters map[string]SegmentFilter `json:"segmentFilters,omitempty"`

	ExchangeFilter     StringFilter     `json:"exchangeFilter,omitempty"`
	FoldPositionFilter PositionFilter   `json:"foldPositionFilter,omitempty"`
	TagFilter          TagExpression    `json:"tagFilter,omitempty"`
	HourOfWeekFilter   HourOfWeekFilter `json:"hourOfWeek"`
	UserPartition      UserPartition    `json:"userPartition"`

	Creatives []Creative `json:"creatives"`

	Blacklist  BlacklistPolicy `json:"blacklist,omitempty"`
	BidControl BidControl      `json:"bidControl"`

	Augmentations []AugmentationConfig `json:"augmentations,omitempty"`

	ProviderConfig map[string]json.RawMessage `json:"providerConfig,omitempty"`

	VisitChannels          []string `json:"visitChannels,omitempty"`
	IncludeUnmatchedVisits bool     `json:"includeUnmatchedVisits,omitempty"`

	WinFormat   BidResultFormat `json:"winFormat,omitempty"`
	LossFormat  BidResultFormat `json:"lossFormat,omitempty"`
	ErrorFormat BidResultFormat `json:"errorFormat,omitempty"`

	providerData map[string]interface{}
}

// DefaultConfig returns a config with the always-on defaults filled in.
func DefaultConfig() *AgentConfig {
	return &AgentConfig{
		BidProbability:   1.0,
		MaxInFlight:      100,
		HourOfWeekFilter: AllHours(),
		UserPartition:    DefaultUserPartition(),
		BidControl:       BidControl{Type: BidControlRelay},
		WinFormat:        BidResultFull,
		LossFormat:       BidResultLightweight,
		ErrorFormat:      BidResultLightweight,
	}
}

// ParseConfig validates raw JSON against the schema, decodes it over the
// defaults and compiles the filters. This is the only constructor the
// Registry accepts.
func ParseConfig(raw []byte) (*AgentConfig, error) {
	if err := ValidateSchema(raw); err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("agent config: %v", err)
	}
	if err := cfg.compile(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *AgentConfig) compile() error {
	if len(cfg.Account) == 0 {
		return fmt.Errorf("agent config has no account")
	}
	if cfg.BidProbability < 0 || cfg.BidProbability > 1 {
		return fmt.Errorf("bidProbability %v out of [0,1]", cfg.BidProbability)
	}
	if cfg.MaxInFlight <= 0 {
		return fmt.Errorf("maxInFlight must be positive, got %d", cfg.MaxInFlight)
	}
	if err := cfg.UserPartition.Validate(); err != nil {
		return err
	}
	if len(cfg.Creatives) == 0 {
		return fmt.Errorf("agent config has no creatives")
	}
	for i := range cfg.Creatives {
		if err := cfg.Creatives[i].compile(); err != nil {
			return err
		}
	}
	if err := cfg.URLFilter.compile(); err != nil {
		return fmt.Errorf("urlFilter: %v", err)
	}
	if err := cfg.LanguageFilter.compile(); err != nil {
		return fmt.Errorf("languageFilter: %v", err)
	}
	if err := cfg.LocationFilter.compile(); err != nil {
		return fmt.Errorf("locationFilter: %v", err)
	}
	switch cfg.BidControl.Type {
	case BidControlRelay:
	case BidControlRelayFixed, BidControlFixed:
		if cfg.BidControl.FixedBidCPMInMicros <= 0 {
			return fmt.Errorf("bidControl %s needs a positive fixedBidCpmInMicros", cfg.BidControl.Type)
		}
	default:
		return fmt.Errorf("unknown bidControl type %q", cfg.BidControl.Type)
	}
	typed, err := decodeProviderData(cfg.ProviderConfig)
	if err != nil {
		return err
	}
	cfg.providerData = typed
	return nil
}

// ProviderData returns the typed provider value resolved at publish time.
func (cfg *AgentConfig) ProviderData(provider string) (interface{}, bool) {
	value, ok := cfg.providerData[provider]
	return value, ok
}

// FixedBid returns the fixed bid amount for non-relay bid control.
func (cfg *AgentConfig) FixedBid() currency.Amount {
	return currency.MicroUSD(cfg.BidControl.FixedBidCPMInMicros)
}

// MinTimeAvailable is the least auction time the agent needs.
func (cfg *AgentConfig) MinTimeAvailable() time.Duration {
	return time.Duration(cfg.MinTimeAvailableMs * float64(time.Millisecond))
}
