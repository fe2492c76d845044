package postauction

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharpyfox/rtbkit/currency"
)

func sampleRecord() SettlementRecord {
	return SettlementRecord{
		Timestamp: time.Date(2026, 8, 3, 13, 0, 0, 0, time.UTC),
		AuctionID: "auction-1",
		Kind:      "WIN",
		Agent:     "agentA",
		Spot:      0,
		Price:     currency.USD(2),
	}
}

func TestFileSinkAppendsNewlineDelimitedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "post_auction.log")

	sink, err := NewFileSink(path, false)
	require.NoError(t, err)
	require.NoError(t, sink.Write(sampleRecord()))
	record2 := sampleRecord()
	record2.Kind = "IMPRESSION"
	require.NoError(t, sink.Write(record2))
	require.NoError(t, sink.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var kinds []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var decoded SettlementRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &decoded))
		kinds = append(kinds, decoded.Kind)
		assert.Equal(t, "auction-1", decoded.AuctionID)
	}
	assert.Equal(t, []string{"WIN", "IMPRESSION"}, kinds)
}

func TestFileSinkSnappyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "post_auction.log.sz")

	sink, err := NewFileSink(path, true)
	require.NoError(t, err)
	require.NoError(t, sink.Write(sampleRecord()))
	require.NoError(t, sink.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	scanner := bufio.NewScanner(snappy.NewReader(file))
	require.True(t, scanner.Scan())

	var decoded SettlementRecord
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &decoded))
	assert.Equal(t, "WIN", decoded.Kind)
	assert.Equal(t, currency.USD(2), decoded.Price)
}
