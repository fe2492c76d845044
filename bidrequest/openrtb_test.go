package bidrequest

import (
	"testing"

	"github.com/mxmCherry/openrtb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xorcare/pointer"

	"github.com/sharpyfox/rtbkit/currency"
)

const sampleOpenRTB = `{
	"id": "req-1",
	"imp": [
		{
			"id": "spot-1",
			"banner": {"w": 300, "h": 250, "pos": 1},
			"bidfloor": 1.0,
			"bidfloorcur": "USD"
		},
		{
			"id": "spot-2",
			"banner": {"format": [{"w": 728, "h": 90}], "pos": 3}
		}
	],
	"site": {"page": "http://news.example.com/story"},
	"device": {
		"ua": "Mozilla/5.0",
		"ip": "10.1.2.3",
		"language": "en-US",
		"geo": {"country": "US", "region": "NY", "city": "New York"}
	},
	"user": {
		"id": "exch-user-9",
		"buyeruid": "buyer-44",
		"data": [
			{"name": "iab", "segment": [{"id": "IAB1"}, {"id": "IAB3"}]}
		]
	}
}`

func newTestConnector(t *testing.T, cfg map[string]interface{}) Connector {
	conn, err := NewConnector("openrtb", "mock", cfg)
	require.NoError(t, err)
	return conn
}

func TestOpenRTBNormalize(t *testing.T) {
	conn := newTestConnector(t, nil)

	req, err := conn.Normalize([]byte(sampleOpenRTB))
	require.NoError(t, err)

	assert.Equal(t, "req-1", req.ID)
	assert.Equal(t, "mock", req.Exchange)
	assert.Equal(t, "http://news.example.com/story", req.URL)
	assert.Equal(t, "en", req.Language)
	assert.Equal(t, "US:NY:New York", req.Location.FullString())
	assert.Equal(t, "exch-user-9", req.UserIDs[ProviderExchange])
	assert.Equal(t, "buyer-44", req.UserIDs[ProviderBuyer])

	require.Len(t, req.Spots, 2)
	assert.Equal(t, Format{Width: 300, Height: 250}, req.Spots[0].Format)
	assert.Equal(t, PositionAbove, req.Spots[0].Position)
	assert.Equal(t, currency.USD(1), req.Spots[0].Floor)
	assert.Equal(t, Format{Width: 728, Height: 90}, req.Spots[1].Format)
	assert.Equal(t, PositionBelow, req.Spots[1].Position)
	assert.True(t, req.Spots[1].Floor.IsZero())

	segments, present := req.SegmentsFor("iab")
	assert.True(t, present)
	assert.True(t, segments.Contains("IAB1"))
	assert.True(t, segments.Contains("IAB3"))
}

func TestOpenRTBNormalizeRejectsBadBodies(t *testing.T) {
	conn := newTestConnector(t, nil)

	testCases := []struct {
		description string
		body        string
	}{
		{description: "not json", body: `{{`},
		{description: "missing id", body: `{"imp":[{"id":"1","banner":{"w":1,"h":1}}]}`},
		{description: "no impressions", body: `{"id":"x","imp":[]}`},
		{description: "no banner impressions", body: `{"id":"x","imp":[{"id":"1"}]}`},
	}
	for _, tc := range testCases {
		_, err := conn.Normalize([]byte(tc.body))
		assert.Error(t, err, tc.description)
	}
}

func TestOpenRTBMinVersionGate(t *testing.T) {
	conn := newTestConnector(t, map[string]interface{}{"min_version": "2.5"})

	old := `{"id":"x","imp":[{"id":"1","banner":{"w":1,"h":1}}],"ext":{"version":"2.3"}}`
	_, err := conn.Normalize([]byte(old))
	assert.Error(t, err)

	current := `{"id":"x","imp":[{"id":"1","banner":{"w":1,"h":1}}],"ext":{"version":"2.5"}}`
	_, err = conn.Normalize([]byte(current))
	assert.NoError(t, err)
}

func TestConnectorRegistry(t *testing.T) {
	_, err := NewConnector("nonexistent", "x", nil)
	assert.Error(t, err)
	assert.Contains(t, ConnectorTypes(), "openrtb")
}

func TestBannerFormatFallsBackToFormatList(t *testing.T) {
	withDims := &openrtb.Banner{W: pointer.Uint64(300), H: pointer.Uint64(250)}
	assert.Equal(t, Format{Width: 300, Height: 250}, bannerFormat(withDims))

	withList := &openrtb.Banner{Format: []openrtb.Format{{W: 728, H: 90}, {W: 300, H: 250}}}
	assert.Equal(t, Format{Width: 728, Height: 90}, bannerFormat(withList), "first listed format wins")

	assert.Equal(t, Format{}, bannerFormat(&openrtb.Banner{}))
}

func TestSegmentList(t *testing.T) {
	list := NewSegmentList("b", "a", "b", "c")
	assert.Equal(t, SegmentList{"a", "b", "c"}, list)
	assert.True(t, list.Intersects(NewSegmentList("c", "z")))
	assert.False(t, list.Intersects(NewSegmentList("x", "z")))
	assert.False(t, list.Intersects(nil))
}
