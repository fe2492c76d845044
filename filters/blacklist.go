package filters

import (
	"github.com/coocood/freecache"

	"github.com/sharpyfox/rtbkit/agents"
	"github.com/sharpyfox/rtbkit/bidrequest"
)

// Blacklist holds time-bounded (user, optionally site) entries per agent or
// account. Entries expire on their own; nothing is ever scanned.
type Blacklist struct {
	cache *freecache.Cache
}

// NewBlacklist sizes the underlying cache in bytes.
func NewBlacklist(sizeBytes int) *Blacklist {
	return &Blacklist{cache: freecache.NewCache(sizeBytes)}
}

var blacklistMarker = []byte{1}

// Add records the blacklist entry the agent's policy calls for after a bid.
// A disabled policy is a no-op.
func (b *Blacklist) Add(agentName string, cfg *agents.AgentConfig, req *bidrequest.BidRequest) {
	if b == nil || !cfg.Blacklist.Enabled() {
		return
	}
	user := blacklistUser(req)
	if user == "" {
		return
	}
	site := ""
	if cfg.Blacklist.Type == agents.BlacklistUserSite {
		site = hostOf(req.URL)
	}
	key := blacklistKey(blacklistHolder(agentName, cfg), user, site)
	b.cache.Set(key, blacklistMarker, cfg.Blacklist.TimeSeconds)
}

// IsBlacklisted checks the (user) and (user, site) entries for the agent's
// scope.
func (b *Blacklist) IsBlacklisted(agentName string, cfg *agents.AgentConfig, req *bidrequest.BidRequest) bool {
	if b == nil || !cfg.Blacklist.Enabled() {
		return false
	}
	user := blacklistUser(req)
	if user == "" {
		return false
	}
	holder := blacklistHolder(agentName, cfg)
	if _, err := b.cache.Get(blacklistKey(holder, user, "")); err == nil {
		return true
	}
	if cfg.Blacklist.Type == agents.BlacklistUserSite {
		if _, err := b.cache.Get(blacklistKey(holder, user, hostOf(req.URL))); err == nil {
			return true
		}
	}
	return false
}

func blacklistHolder(agentName string, cfg *agents.AgentConfig) string {
	if cfg.Blacklist.Scope == agents.BlacklistScopeAccount {
		return "account|" + cfg.Account.String()
	}
	return "agent|" + agentName
}

func blacklistUser(req *bidrequest.BidRequest) string {
	if id, ok := req.UserIDs[bidrequest.ProviderExchange]; ok {
		return id
	}
	return req.UserIDs[bidrequest.ProviderBuyer]
}

func blacklistKey(holder, user, site string) []byte {
	key := holder + "|" + user
	if site != "" {
		key += "|" + site
	}
	return []byte(key)
}
