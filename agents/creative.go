package agents

import (
	"encoding/json"
	"fmt"

	"github.com/sharpyfox/rtbkit/bidrequest"
)

// Creative is one ad unit an agent can serve.
type Creative struct {
	ID     int                `json:"id"`
	Name   string             `json:"name,omitempty"`
	Format bidrequest.Format  `json:"format"`
	Tags   Tags               `json:"tags,omitempty"`

	// EligibilityFilter is evaluated against the creative's own tags for every
	// spot the creative is matched against.
	EligibilityFilter TagExpression `json:"eligibilityFilter,omitempty"`

	LanguageFilter RegexFilter  `json:"languageFilter,omitempty"`
	LocationFilter RegexFilter  `json:"locationFilter,omitempty"`
	ExchangeFilter StringFilter `json:"exchangeFilter,omitempty"`

	// ProviderConfig carries per-exchange blobs; the typed forms are resolved
	// at publish time and held in providerData.
	ProviderConfig map[string]json.RawMessage `json:"providerConfig,omitempty"`

	providerData map[string]interface{}
}

// ProviderData returns the typed provider value resolved at publish time.
func (c *Creative) ProviderData(provider string) (interface{}, bool) {
	value, ok := c.providerData[provider]
	return value, ok
}

// Compatible reports whether the creative's format fits the spot. A pure
// function of the creative format and spot attributes.
func (c *Creative) Compatible(spot *bidrequest.AdSpot) bool {
	if spot.Format.IsZeroArea() {
		return true
	}
	return c.Format.Width == spot.Format.Width && c.Format.Height == spot.Format.Height
}

// Biddable reports whether the creative may serve on the given exchange,
// language and location. The caller supplies the request-scoped regex caches.
func (c *Creative) Biddable(exchange, language, location string, languageCache, locationCache ResultCache) bool {
	if !c.ExchangeFilter.Accepts(exchange) {
		return false
	}
	if !c.LanguageFilter.Accepts(language, languageCache) {
		return false
	}
	return c.LocationFilter.Accepts(location, locationCache)
}

func (c *Creative) compile() error {
	if c.Format.IsZeroArea() {
		return fmt.Errorf("creative %d (%s) has zero-area format %dx%d", c.ID, c.Name, c.Format.Width, c.Format.Height)
	}
	if err := c.LanguageFilter.compile(); err != nil {
		return fmt.Errorf("creative %d languageFilter: %v", c.ID, err)
	}
	if err := c.LocationFilter.compile(); err != nil {
		return fmt.Errorf("creative %d locationFilter: %v", c.ID, err)
	}
	typed, err := decodeProviderData(c.ProviderConfig)
	if err != nil {
		return fmt.Errorf("creative %d: %v", c.ID, err)
	}
	c.providerData = typed
	return nil
}
