package bidrequest

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/blang/semver"
	"github.com/buger/jsonparser"
	"github.com/mxmCherry/openrtb"
	"golang.org/x/text/language"

	"github.com/sharpyfox/rtbkit/currency"
)

// Providers under which openrtb user ids are filed in BidRequest.UserIDs.
const (
	ProviderExchange = "exchange"
	ProviderBuyer    = "provider"
)

func init() {
	RegisterConnector("openrtb", newOpenRTBConnector)
}

// openRTBConnector normalizes OpenRTB 2.x bid requests.
type openRTBConnector struct {
	name       string
	minVersion semver.Version
}

func newOpenRTBConnector(name string, cfg map[string]interface{}) (Connector, error) {
	minVersion := semver.MustParse("2.3.0")
	if raw, ok := cfg["min_version"]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("openrtb connector %q: min_version must be a string", name)
		}
		parsed, err := semver.ParseTolerant(s)
		if err != nil {
			return nil, fmt.Errorf("openrtb connector %q: bad min_version %q: %v", name, s, err)
		}
		minVersion = parsed
	}
	return &openRTBConnector{name: name, minVersion: minVersion}, nil
}

func (c *openRTBConnector) Name() string {
	return c.name
}

func (c *openRTBConnector) Normalize(body []byte) (*BidRequest, error) {
	var ortb openrtb.BidRequest
	if err := json.Unmarshal(body, &ortb); err != nil {
		return nil, fmt.Errorf("malformed openrtb request: %v", err)
	}
	if ortb.ID == "" {
		return nil, fmt.Errorf("openrtb request missing id")
	}
	if len(ortb.Imp) == 0 {
		return nil, fmt.Errorf("openrtb request %s has no impressions", ortb.ID)
	}

	if version, err := jsonparser.GetString(body, "ext", "version"); err == nil {
		parsed, err := semver.ParseTolerant(version)
		if err != nil {
			return nil, fmt.Errorf("openrtb request %s: bad protocol version %q", ortb.ID, version)
		}
		if parsed.LT(c.minVersion) {
			return nil, fmt.Errorf("openrtb request %s: protocol version %s below minimum %s", ortb.ID, parsed, c.minVersion)
		}
	}

	req := &BidRequest{
		ID:              ortb.ID,
		Exchange:        c.name,
		ProtocolVersion: "2.5",
		Timestamp:       time.Now().UTC(),
		UserIDs:         map[string]string{},
	}

	if ortb.Site != nil {
		req.URL = ortb.Site.Page
	}
	if ortb.Device != nil {
		req.IP = ortb.Device.IP
		req.UserAgent = ortb.Device.UA
		req.Language = canonicalLanguage(ortb.Device.Language)
		if ortb.Device.Geo != nil {
			req.Location = Location{
				Country: ortb.Device.Geo.Country,
				Region:  ortb.Device.Geo.Region,
				City:    ortb.Device.Geo.City,
			}
		}
	}
	if ortb.User != nil {
		if ortb.User.ID != "" {
			req.UserIDs[ProviderExchange] = ortb.User.ID
		}
		if ortb.User.BuyerUID != "" {
			req.UserIDs[ProviderBuyer] = ortb.User.BuyerUID
		}
	}

	segments := normalizeSegments(&ortb)

	for i, imp := range ortb.Imp {
		if imp.Banner == nil {
			continue
		}
		spot := AdSpot{
			ID:       imp.ID,
			Format:   bannerFormat(imp.Banner),
			Position: bannerPosition(body, i),
			Floor:    floorAmount(imp),
			Segments: segments,
		}
		if spot.ID == "" {
			spot.ID = fmt.Sprintf("%d", i)
		}
		req.Spots = append(req.Spots, spot)
	}
	if len(req.Spots) == 0 {
		return nil, fmt.Errorf("openrtb request %s has no banner impressions", ortb.ID)
	}
	return req, nil
}

func bannerFormat(banner *openrtb.Banner) Format {
	if banner.W != nil && banner.H != nil {
		return Format{Width: int(*banner.W), Height: int(*banner.H)}
	}
	if len(banner.Format) > 0 {
		return Format{Width: int(banner.Format[0].W), Height: int(banner.Format[0].H)}
	}
	return Format{}
}

// bannerPosition reads imp[i].banner.pos straight off the wire body.
func bannerPosition(body []byte, impIndex int) Position {
	pos, err := jsonparser.GetInt(body, "imp", fmt.Sprintf("[%d]", impIndex), "banner", "pos")
	if err != nil {
		return PositionUnknown
	}
	switch pos {
	case 1, 4, 5, 6, 7:
		return PositionAbove
	case 3:
		return PositionBelow
	}
	return PositionUnknown
}

func floorAmount(imp openrtb.Imp) currency.Amount {
	if imp.BidFloor <= 0 {
		return currency.Amount{}
	}
	code := currency.CodeUSD
	if imp.BidFloorCur != "" {
		if parsed, err := currency.ParseCode(imp.BidFloorCur); err == nil {
			code = parsed
		}
	}
	return currency.Amount{Micros: int64(math.Round(imp.BidFloor * 1e6)), Code: code}
}

func normalizeSegments(ortb *openrtb.BidRequest) map[string]SegmentList {
	if ortb.User == nil || len(ortb.User.Data) == 0 {
		return nil
	}
	segments := make(map[string]SegmentList, len(ortb.User.Data))
	for _, data := range ortb.User.Data {
		source := data.Name
		if source == "" {
			source = data.ID
		}
		if source == "" {
			continue
		}
		names := make([]string, 0, len(data.Segment))
		for _, seg := range data.Segment {
			if seg.ID != "" {
				names = append(names, seg.ID)
			} else if seg.Name != "" {
				names = append(names, seg.Name)
			}
		}
		if len(names) > 0 {
			segments[source] = NewSegmentList(append(segments[source], names...)...)
		}
	}
	if len(segments) == 0 {
		return nil
	}
	return segments
}

func canonicalLanguage(lang string) string {
	if lang == "" {
		return ""
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return lang
	}
	base, confidence := tag.Base()
	if confidence == language.No {
		return lang
	}
	return base.String()
}
