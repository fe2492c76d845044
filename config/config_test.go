package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/sharpyfox/rtbkit/currency"
)

func newDefaultConfig(t *testing.T) (*Configuration, *viper.Viper) {
	v := viper.New()
	SetupViper(v, "")
	cfg, err := New(v)
	assert.NoError(t, err, "defaults must validate")
	return cfg, v
}

func TestFullConfig(t *testing.T) {
	cfg, _ := newDefaultConfig(t)

	assert.Equal(t, 7777, cfg.Port)
	assert.Equal(t, 8, cfg.Auction.Shards)
	assert.Equal(t, currency.MicroUSD(40000000), cfg.Auction.MaxBid())
	assert.Equal(t, "file", cfg.Sink.Type)

	perSec, ok := cfg.Banker.SlowModeLimit().PerSecondMicros()
	assert.True(t, ok)
	assert.Equal(t, int64(100000000), perSec)
}

func TestMaxBidPriceMustNotExceedSlowModeLimit(t *testing.T) {
	v := viper.New()
	SetupViper(v, "")
	v.Set("auction.max_bid_price", "200000000USD")
	v.Set("banker.slow_mode_money_limit", "100000000USD/1s")

	_, err := New(v)
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "slow_mode_money_limit"))
}

func TestWinTimeoutMustCoverAuctionTimeout(t *testing.T) {
	v := viper.New()
	SetupViper(v, "")
	v.Set("post_auction.win_timeout_seconds", 0)
	v.Set("auction.timeout_ms", 100)

	_, err := New(v)
	assert.Error(t, err)
}

func TestBadMoneyStringsRejected(t *testing.T) {
	testCases := []struct {
		key   string
		value string
	}{
		{key: "auction.max_bid_price", value: "lots"},
		{key: "banker.spend_rate", value: "100000USD"},
		{key: "banker.slow_mode_money_limit", value: "USD/1s"},
	}
	for _, tc := range testCases {
		v := viper.New()
		SetupViper(v, "")
		v.Set(tc.key, tc.value)
		_, err := New(v)
		assert.Error(t, err, "key %s value %q", tc.key, tc.value)
	}
}

func TestEventDictionaryValidation(t *testing.T) {
	v := viper.New()
	SetupViper(v, "")
	v.Set("event_dictionary", map[string]string{"conversion": "PURCHASE"})

	_, err := New(v)
	assert.Error(t, err)

	v = viper.New()
	SetupViper(v, "")
	v.Set("event_dictionary", map[string]string{"conversion": "CLICK"})

	cfg, err := New(v)
	assert.NoError(t, err)
	assert.Equal(t, "CLICK", cfg.EventDictionary["conversion"])
}

func TestSinkTypeValidation(t *testing.T) {
	v := viper.New()
	SetupViper(v, "")
	v.Set("sink.type", "kafka")

	_, err := New(v)
	assert.Error(t, err)
}

func TestBankerURLValidation(t *testing.T) {
	v := viper.New()
	SetupViper(v, "")
	v.Set("banker.master_url", "not a url at all")

	_, err := New(v)
	assert.Error(t, err)
}
