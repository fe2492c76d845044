package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/spf13/viper"

	"github.com/sharpyfox/rtbkit/currency"
	"github.com/sharpyfox/rtbkit/errortypes"
)

// Configuration holds everything the router reads at startup. Values come
// from the config file and the RTB_* environment, resolved through viper.
type Configuration struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	AdminPort  int    `mapstructure:"admin_port"`
	WinPort    int    `mapstructure:"win_port"`
	EventsPort int    `mapstructure:"events_port"`
	EnableGzip bool   `mapstructure:"enable_gzip"`

	// MaxConnections bounds concurrent exchange connections on the main
	// listener. Zero means unlimited.
	MaxConnections int `mapstructure:"max_connections"`

	// EventsPerSecond rate-limits the adserver ingress ports.
	EventsPerSecond float64 `mapstructure:"events_per_second"`

	Auction Auction       `mapstructure:"auction"`
	Banker  Banker        `mapstructure:"banker"`
	Post    PostAuction   `mapstructure:"post_auction"`
	Metrics Metrics       `mapstructure:"metrics"`
	Sink    Sink          `mapstructure:"sink"`
	Bidder  BidderConfig  `mapstructure:"bidder"`

	Exchanges []Exchange `mapstructure:"exchanges"`

	// EventDictionary maps exchange-specific event vocabulary onto the
	// router's event kinds (WIN, LOSS, IMPRESSION, CLICK).
	EventDictionary map[string]string `mapstructure:"event_dictionary"`
}

// Auction carries the per-instance auction engine parameters.
type Auction struct {
	TimeoutMs   int    `mapstructure:"timeout_ms"`
	Shards      int    `mapstructure:"shards"`
	MaxBidPrice string `mapstructure:"max_bid_price"`

	// Circuit breaker for unreachable agents.
	BreakerFailures   int `mapstructure:"breaker_failures"`
	BreakerCooldownMs int `mapstructure:"breaker_cooldown_ms"`

	maxBidPrice currency.Amount
}

func (a *Auction) Timeout() time.Duration {
	return time.Duration(a.TimeoutMs) * time.Millisecond
}

func (a *Auction) BreakerCooldown() time.Duration {
	return time.Duration(a.BreakerCooldownMs) * time.Millisecond
}

// MaxBid returns the parsed maximum bid price.
func (a *Auction) MaxBid() currency.Amount {
	return a.maxBidPrice
}

// Banker carries the slave banker parameters.
type Banker struct {
	MasterURL            string `mapstructure:"master_url"`
	AccountSuffix        string `mapstructure:"account_suffix"`
	ReauthorizeSeconds   int    `mapstructure:"reauthorize_seconds"`
	SpendRate            string `mapstructure:"spend_rate"`
	SlowModeTimeoutSecs  int    `mapstructure:"slow_mode_timeout_seconds"`
	SlowModeToleranceSec int    `mapstructure:"slow_mode_tolerance_seconds"`
	SlowModeMoneyLimit   string `mapstructure:"slow_mode_money_limit"`

	spendRate          currency.Rate
	slowModeMoneyLimit currency.Rate
}

func (b *Banker) ReauthorizePeriod() time.Duration {
	return time.Duration(b.ReauthorizeSeconds) * time.Second
}

func (b *Banker) SlowModeTimeout() time.Duration {
	return time.Duration(b.SlowModeTimeoutSecs) * time.Second
}

func (b *Banker) SlowModeTolerance() time.Duration {
	return time.Duration(b.SlowModeToleranceSec) * time.Second
}

func (b *Banker) SpendRateParsed() currency.Rate {
	return b.spendRate
}

func (b *Banker) SlowModeLimit() currency.Rate {
	return b.slowModeMoneyLimit
}

// PostAuction carries the post-auction loop parameters.
type PostAuction struct {
	Shards         int `mapstructure:"shards"`
	WinTimeoutSecs int `mapstructure:"win_timeout_seconds"`
	LossSeconds    int `mapstructure:"loss_seconds"`
	OrphanWindowS  int `mapstructure:"orphan_window_seconds"`
}

func (p *PostAuction) WinTimeout() time.Duration {
	return time.Duration(p.WinTimeoutSecs) * time.Second
}

func (p *PostAuction) LossTimeout() time.Duration {
	return time.Duration(p.LossSeconds) * time.Second
}

func (p *PostAuction) OrphanWindow() time.Duration {
	return time.Duration(p.OrphanWindowS) * time.Second
}

// Metrics selects the metrics exporters.
type Metrics struct {
	Influx     Influx     `mapstructure:"influx"`
	Prometheus Prometheus `mapstructure:"prometheus"`
}

type Influx struct {
	Host     string `mapstructure:"host"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type Prometheus struct {
	Port int `mapstructure:"port"`
}

// Sink selects the settlement log backend.
type Sink struct {
	Type   string `mapstructure:"type"` // "file" or "redis"
	Path   string `mapstructure:"path"`
	Snappy bool   `mapstructure:"snappy"`
	Redis  Redis  `mapstructure:"redis"`
}

type Redis struct {
	Addr string `mapstructure:"addr"`
	Key  string `mapstructure:"key"`
}

// Exchange is one upstream connector instance: a registered connector type
// plus its opaque configuration blob. Name defaults to the type.
type Exchange struct {
	Name   string                 `mapstructure:"name"`
	Type   string                 `mapstructure:"type"`
	Config map[string]interface{} `mapstructure:"config"`
}

// BidderConfig selects the downstream bidder interface.
type BidderConfig struct {
	Type      string `mapstructure:"type"`
	Endpoint  string `mapstructure:"endpoint"`
	TimeoutMs int    `mapstructure:"timeout_ms"`
}

func (b *BidderConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

// New validates the viper-resolved configuration and parses the money values.
func New(v *viper.Viper) (*Configuration, error) {
	var c Configuration
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("viper failed to unmarshal app config: %v", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (cfg *Configuration) validate() error {
	var errs []error

	maxBid, err := currency.ParseAmount(cfg.Auction.MaxBidPrice)
	if err != nil {
		errs = append(errs, fmt.Errorf("auction.max_bid_price: %v", err))
	}
	cfg.Auction.maxBidPrice = maxBid

	spendRate, err := currency.ParseRate(cfg.Banker.SpendRate)
	if err != nil {
		errs = append(errs, fmt.Errorf("banker.spend_rate: %v", err))
	}
	cfg.Banker.spendRate = spendRate

	slowLimit, err := currency.ParseRate(cfg.Banker.SlowModeMoneyLimit)
	if err != nil {
		errs = append(errs, fmt.Errorf("banker.slow_mode_money_limit: %v", err))
	}
	cfg.Banker.slowModeMoneyLimit = slowLimit

	if err == nil && maxBid.Compatible(slowLimit.Amount) && maxBid.Cmp(slowLimit.Amount) > 0 {
		errs = append(errs, fmt.Errorf("auction.max_bid_price %s exceeds banker.slow_mode_money_limit %s", maxBid, slowLimit.Amount))
	}

	if cfg.Post.WinTimeout() < cfg.Auction.Timeout() {
		errs = append(errs, fmt.Errorf("post_auction.win_timeout_seconds must cover auction.timeout_ms"))
	}
	if cfg.Auction.Shards <= 0 {
		errs = append(errs, fmt.Errorf("auction.shards must be positive"))
	}
	if cfg.Post.Shards <= 0 {
		errs = append(errs, fmt.Errorf("post_auction.shards must be positive"))
	}
	if cfg.Banker.MasterURL != "" && !govalidator.IsURL(cfg.Banker.MasterURL) {
		errs = append(errs, fmt.Errorf("banker.master_url %q is not a URL", cfg.Banker.MasterURL))
	}
	switch cfg.Sink.Type {
	case "file", "redis":
	default:
		errs = append(errs, fmt.Errorf("sink.type must be file or redis, got %q", cfg.Sink.Type))
	}
	for kind, mapped := range cfg.EventDictionary {
		switch mapped {
		case "WIN", "LOSS", "IMPRESSION", "CLICK":
		default:
			errs = append(errs, fmt.Errorf("event_dictionary[%q] maps to unknown kind %q", kind, mapped))
		}
	}

	if len(errs) > 0 {
		return errortypes.NewAggregateErrors("validation errors", errs)
	}
	return nil
}

// SetupViper establishes the config file search path, environment binding and
// every default.
func SetupViper(v *viper.Viper, filename string) {
	if filename != "" {
		v.SetConfigName(filename)
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/config")
	}

	v.SetDefault("host", "")
	v.SetDefault("port", 7777)
	v.SetDefault("admin_port", 7776)
	v.SetDefault("win_port", 7811)
	v.SetDefault("events_port", 7812)
	v.SetDefault("enable_gzip", false)
	v.SetDefault("max_connections", 0)
	v.SetDefault("events_per_second", 1000.0)

	v.SetDefault("auction.timeout_ms", 100)
	v.SetDefault("auction.shards", 8)
	v.SetDefault("auction.max_bid_price", "40000000USD")
	v.SetDefault("auction.breaker_failures", 5)
	v.SetDefault("auction.breaker_cooldown_ms", 5000)

	v.SetDefault("banker.master_url", "http://localhost:9985")
	v.SetDefault("banker.account_suffix", "router")
	v.SetDefault("banker.reauthorize_seconds", 1)
	v.SetDefault("banker.spend_rate", "100000USD/1M")
	v.SetDefault("banker.slow_mode_timeout_seconds", 5)
	v.SetDefault("banker.slow_mode_tolerance_seconds", 15)
	v.SetDefault("banker.slow_mode_money_limit", "100000000USD/1s")

	v.SetDefault("post_auction.shards", 8)
	v.SetDefault("post_auction.win_timeout_seconds", 3600)
	v.SetDefault("post_auction.loss_seconds", 15)
	v.SetDefault("post_auction.orphan_window_seconds", 300)

	v.SetDefault("metrics.influx.host", "")
	v.SetDefault("metrics.influx.database", "")
	v.SetDefault("metrics.influx.username", "")
	v.SetDefault("metrics.influx.password", "")
	v.SetDefault("metrics.prometheus.port", 0)

	v.SetDefault("sink.type", "file")
	v.SetDefault("sink.path", "post_auction.log")
	v.SetDefault("sink.snappy", false)
	v.SetDefault("sink.redis.addr", "localhost:6379")
	v.SetDefault("sink.redis.key", "post_auction")

	v.SetDefault("bidder.type", "http")
	v.SetDefault("bidder.endpoint", "http://localhost:7800")
	v.SetDefault("bidder.timeout_ms", 80)

	v.SetDefault("event_dictionary", map[string]string{})

	v.SetEnvPrefix("RTB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.ReadInConfig()
}
