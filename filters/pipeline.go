package filters

import (
	"net/url"
	"strings"

	"github.com/sharpyfox/rtbkit/agents"
	"github.com/sharpyfox/rtbkit/bidrequest"
	"github.com/sharpyfox/rtbkit/metrics"
)

// Stage names, used as rejection counter keys. Order here is the evaluation
// order; the pipeline short-circuits at the first rejecting stage.
const (
	StageExchange       = "exchange"
	StageCreativeFormat = "creativeFormat"
	StageHost           = "host"
	StageURL            = "url"
	StageLanguage       = "language"
	StageLocation       = "location"
	StageUserPartition  = "userPartition"
	StageRequiredIDs    = "requiredIds"
	StageHourOfWeek     = "hourOfWeek"
	StageFoldPosition   = "foldPosition"
	StageSegment        = "segment"
	StageSegmentMissing = "segmentMissing"
	StageTags           = "tags"
	StageCreativeSpot   = "creativeSpot"
	StageBlacklist      = "blacklist"
	StageBidProbability = "bidProbability"
)

// TagSegmentSource is the taxonomy source under which request tags travel.
const TagSegmentSource = "tags"

// SpotCreatives is one biddable spot with the creative ids that match it.
type SpotCreatives struct {
	Spot      int   `json:"spot"`
	Creatives []int `json:"creatives"`
}

// BiddableSpots is the per-agent result of a filter pass.
type BiddableSpots []SpotCreatives

// CanBid reports whether the pair (spot, creative) survived filtering.
func (b BiddableSpots) CanBid(spot, creative int) bool {
	for _, sc := range b {
		if sc.Spot != spot {
			continue
		}
		for _, id := range sc.Creatives {
			if id == creative {
				return true
			}
		}
	}
	return false
}

// Match is one eligible agent with its biddable spots.
type Match struct {
	Agent *agents.Entry
	Spots BiddableSpots
}

// Pipeline evaluates the fixed stage order for every agent in a snapshot.
// One Pipeline is shared across workers; all per-request state lives in the
// pass-scoped cache.
type Pipeline struct {
	metricsEngine metrics.Engine
	blacklist     *Blacklist
}

func NewPipeline(metricsEngine metrics.Engine, blacklist *Blacklist) *Pipeline {
	return &Pipeline{metricsEngine: metricsEngine, blacklist: blacklist}
}

// requestCache computes the request's filterable attributes once and memoizes
// regex results per pattern. It lives for exactly one filter pass.
type requestCache struct {
	host     string
	language string
	location string
	tags     agents.Tags

	urlResults      agents.ResultCache
	languageResults agents.ResultCache
	locationResults agents.ResultCache
}

func newRequestCache(req *bidrequest.BidRequest) *requestCache {
	language := req.Language
	if language == "" {
		language = "unspecified"
	}
	var tags agents.Tags
	if list, ok := req.SegmentsFor(TagSegmentSource); ok {
		tags = agents.NewTags(list...)
	} else {
		tags = agents.NewTags()
	}
	return &requestCache{
		host:            hostOf(req.URL),
		language:        language,
		location:        req.Location.FullString(),
		tags:            tags,
		urlResults:      make(agents.ResultCache),
		languageResults: make(agents.ResultCache),
		locationResults: make(agents.ResultCache),
	}
}

func hostOf(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return strings.ToLower(rawURL)
	}
	return strings.ToLower(parsed.Hostname())
}

// Run produces the eligible (agent, biddable spots) list for a request, plus
// the last failing stage per rejected agent.
func (p *Pipeline) Run(req *bidrequest.BidRequest, snapshot *agents.Snapshot) ([]Match, map[string]string) {
	cache := newRequestCache(req)
	var matched []Match
	rejections := make(map[string]string)

	for _, entry := range snapshot.All() {
		spots, stage := p.evaluate(req, entry, cache)
		if stage != "" {
			p.metricsEngine.RecordFilterReject(stage)
			rejections[entry.Name] = stage
			continue
		}
		matched = append(matched, Match{Agent: entry, Spots: spots})
	}
	return matched, rejections
}

// evaluate runs the stages for one agent. Returns the biddable spots, or the
// name of the rejecting stage.
func (p *Pipeline) evaluate(req *bidrequest.BidRequest, entry *agents.Entry, cache *requestCache) (BiddableSpots, string) {
	cfg := entry.Config

	// 1. exchange filter
	if !cfg.ExchangeFilter.Accepts(req.Exchange) {
		return nil, StageExchange
	}

	// 2. creative-compatibility prefilter
	if !anyCreativeFits(cfg, req) {
		return nil, StageCreativeFormat
	}

	// 3. host filter
	if !cfg.HostFilter.IsEmpty() && !cfg.HostFilter.Accepts(cache.host) {
		return nil, StageHost
	}

	// 4-6. regex filters, memoized per pattern for the pass
	if !cfg.URLFilter.Accepts(req.URL, cache.urlResults) {
		return nil, StageURL
	}
	if !cfg.LanguageFilter.Accepts(cache.language, cache.languageResults) {
		return nil, StageLanguage
	}
	if !cfg.LocationFilter.Accepts(cache.location, cache.locationResults) {
		return nil, StageLocation
	}

	// 7. user partition
	if !cfg.UserPartition.Matches(req.UserIDs, req.IP, req.UserAgent) {
		return nil, StageUserPartition
	}

	// 8. required ids
	for _, provider := range cfg.RequiredIDs {
		if _, ok := req.UserIDs[provider]; !ok {
			return nil, StageRequiredIDs
		}
	}

	// 9. hour of week, on the auction timestamp in UTC
	if !cfg.HourOfWeekFilter.IsIncluded(req.Timestamp) {
		return nil, StageHourOfWeek
	}

	// 10. fold position over compatible spots
	if !cfg.FoldPositionFilter.IsEmpty() && !anyCompatiblePositionAccepted(cfg, req) {
		return nil, StageFoldPosition
	}

	// 11. segment filters
	if stage := p.evaluateSegments(req, cfg); stage != "" {
		return nil, stage
	}

	// 12. tag filter
	if !cfg.TagFilter.Matches(cache.tags) {
		return nil, StageTags
	}

	// 13. per-creative spot match
	spots := biddableSpots(cfg, req, cache)
	if len(spots) == 0 {
		return nil, StageCreativeSpot
	}

	// 14. blacklist
	if p.blacklist != nil && p.blacklist.IsBlacklisted(entry.Name, cfg, req) {
		return nil, StageBlacklist
	}

	// 15. bid probability, deterministically seeded by (request id, agent id)
	if !passesBidProbability(req.ID, entry.Name, cfg.BidProbability) {
		return nil, StageBidProbability
	}

	return spots, ""
}

func (p *Pipeline) evaluateSegments(req *bidrequest.BidRequest, cfg *agents.AgentConfig) string {
	for source, filter := range cfg.SegmentFilters {
		if !filter.ApplyToExchanges.Accepts(req.Exchange) {
			continue
		}
		segments, present := req.SegmentsFor(source)
		if !present {
			if filter.ExcludeIfNotPresent {
				return StageSegmentMissing
			}
			continue
		}
		if len(filter.Exclude) > 0 && segments.Intersects(bidrequest.NewSegmentList(filter.Exclude...)) {
			return StageSegment
		}
		if len(filter.Include) > 0 && !segments.Intersects(bidrequest.NewSegmentList(filter.Include...)) {
			return StageSegment
		}
	}
	return ""
}

func anyCreativeFits(cfg *agents.AgentConfig, req *bidrequest.BidRequest) bool {
	for i := range cfg.Creatives {
		for j := range req.Spots {
			if cfg.Creatives[i].Compatible(&req.Spots[j]) {
				return true
			}
		}
	}
	return false
}

func anyCompatiblePositionAccepted(cfg *agents.AgentConfig, req *bidrequest.BidRequest) bool {
	for j := range req.Spots {
		spot := &req.Spots[j]
		for i := range cfg.Creatives {
			if cfg.Creatives[i].Compatible(spot) && cfg.FoldPositionFilter.Accepts(spot.Position) {
				return true
			}
		}
	}
	return false
}

func biddableSpots(cfg *agents.AgentConfig, req *bidrequest.BidRequest, cache *requestCache) BiddableSpots {
	var result BiddableSpots
	for j := range req.Spots {
		spot := &req.Spots[j]
		var creatives []int
		for i := range cfg.Creatives {
			creative := &cfg.Creatives[i]
			if !creative.Compatible(spot) {
				continue
			}
			if !creative.Biddable(req.Exchange, cache.language, cache.location, cache.languageResults, cache.locationResults) {
				continue
			}
			if !creative.EligibilityFilter.Matches(creative.Tags) {
				continue
			}
			creatives = append(creatives, creative.ID)
		}
		if len(creatives) > 0 {
			result = append(result, SpotCreatives{Spot: j, Creatives: creatives})
		}
	}
	return result
}

// passesBidProbability accepts with probability p, deterministically for a
// given (request id, agent id) so replays are stable.
func passesBidProbability(requestID, agentName string, probability float64) bool {
	if probability >= 1 {
		return true
	}
	if probability <= 0 {
		return false
	}
	const scale = 1000000
	draw := agents.HashString(requestID+"|"+agentName) % scale
	return draw < uint64(probability*scale)
}
