package router

import (
	"net/http"

	"github.com/didip/tollbooth"
	"github.com/golang/glog"
	"github.com/julienschmidt/httprouter"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/rs/cors"

	"github.com/sharpyfox/rtbkit/agents"
	"github.com/sharpyfox/rtbkit/auction"
	"github.com/sharpyfox/rtbkit/banker"
	"github.com/sharpyfox/rtbkit/bidrequest"
	"github.com/sharpyfox/rtbkit/config"
	"github.com/sharpyfox/rtbkit/endpoints"
	"github.com/sharpyfox/rtbkit/filters"
	"github.com/sharpyfox/rtbkit/metrics"
	"github.com/sharpyfox/rtbkit/postauction"
	"github.com/sharpyfox/rtbkit/util/timeutil"
)

// blacklistCacheSize is the freecache arena for blacklist entries.
const blacklistCacheSize = 32 * 1024 * 1024

// Router is the composition root: every core component wired from config,
// plus the HTTP surfaces the server package binds.
type Router struct {
	*httprouter.Router

	// WinHandler and EventsHandler serve the two adserver ingress ports.
	WinHandler    http.Handler
	EventsHandler http.Handler

	MetricsEngine *metrics.Metrics
	Registry      *agents.Registry
	Engine        *auction.Engine
	Loop          *postauction.Loop
	Banker        *banker.SlaveBanker

	Shutdown func()
}

// New wires the router core from the validated configuration.
func New(cfg *config.Configuration) (*Router, error) {
	clock := &timeutil.RealTime{}

	me := metrics.NewMetrics(gometrics.NewRegistry())
	if cfg.Metrics.Influx.Host != "" {
		go me.Export(metrics.InfluxConfig{
			Host:     cfg.Metrics.Influx.Host,
			Database: cfg.Metrics.Influx.Database,
			Username: cfg.Metrics.Influx.Username,
			Password: cfg.Metrics.Influx.Password,
		})
	}

	registry := agents.NewRegistry()
	blacklist := filters.NewBlacklist(blacklistCacheSize)
	pipeline := filters.NewPipeline(me, blacklist)

	slowPerSecond, ok := cfg.Banker.SlowModeLimit().PerSecondMicros()
	if !ok {
		// a request-based limit has no time dimension; treat the amount as
		// the per-second cap
		slowPerSecond = cfg.Banker.SlowModeLimit().Amount.Micros
	}
	bank := banker.New(banker.Config{
		Float:                   cfg.Banker.SpendRateParsed().Amount,
		ReauthorizePeriod:       cfg.Banker.ReauthorizePeriod(),
		SlowModeTimeout:         cfg.Banker.SlowModeTimeout(),
		SlowModeTolerance:       cfg.Banker.SlowModeTolerance(),
		SlowModeMicrosPerSecond: slowPerSecond,
	}, banker.NewHTTPMasterClient(cfg.Banker.MasterURL), me, clock)
	bank.Start()

	// new accounts become fundable as soon as their agent publishes
	registry.Subscribe(func(generation uint64, name string, agentCfg *agents.AgentConfig) {
		if agentCfg != nil {
			bank.AddAccount(agentCfg.Account)
		}
	})

	sink, err := newSink(cfg)
	if err != nil {
		return nil, err
	}
	loop := postauction.NewLoop(postauction.Config{
		Shards:       cfg.Post.Shards,
		EventWindow:  cfg.Post.LossTimeout(),
		OrphanWindow: cfg.Post.OrphanWindow(),
	}, bank, sink, me, clock)
	loop.Start(cfg.Banker.ReauthorizePeriod())

	bidder := auction.NewHTTPBidder(cfg.Bidder.Endpoint, cfg.Auction.BreakerFailures, cfg.Auction.BreakerCooldown(), clock)
	engine := auction.NewEngine(auction.Config{
		Timeout:     cfg.Auction.Timeout(),
		Shards:      cfg.Auction.Shards,
		MaxBidPrice: cfg.Auction.MaxBid(),
		WinTimeout:  cfg.Post.WinTimeout(),
	}, registry, pipeline, blacklist, bank, bidder, loop, me, clock)

	connectors, err := buildConnectors(cfg)
	if err != nil {
		return nil, err
	}

	r := &Router{
		Router:        httprouter.New(),
		MetricsEngine: me,
		Registry:      registry,
		Engine:        engine,
		Loop:          loop,
		Banker:        bank,
		Shutdown: func() {
			bank.Shutdown()
			loop.Shutdown()
		},
	}

	r.POST("/auctions/:exchange", endpoints.NewAuctionEndpoint(engine, connectors, cfg.Auction.Timeout(), cfg.Auction.Timeout()/2, me))
	r.GET("/status", statusHandler)

	winRouter := httprouter.New()
	winRouter.POST("/", endpoints.NewWinEndpoint(loop, cfg.EventDictionary, me))
	winRouter.POST("/win", endpoints.NewWinEndpoint(loop, cfg.EventDictionary, me))

	eventsRouter := httprouter.New()
	eventsRouter.POST("/", endpoints.NewEventEndpoint(loop, cfg.EventDictionary, me))
	eventsRouter.POST("/events", endpoints.NewEventEndpoint(loop, cfg.EventDictionary, me))

	// the adserver ports face the open internet; cap their rate
	limiter := tollbooth.NewLimiter(cfg.EventsPerSecond, nil)
	r.WinHandler = tollbooth.LimitHandler(limiter, winRouter)
	r.EventsHandler = tollbooth.LimitHandler(limiter, eventsRouter)

	return r, nil
}

func buildConnectors(cfg *config.Configuration) (map[string]bidrequest.Connector, error) {
	exchanges := cfg.Exchanges
	if len(exchanges) == 0 {
		exchanges = []config.Exchange{{Name: "openrtb", Type: "openrtb"}}
	}
	connectors := make(map[string]bidrequest.Connector, len(exchanges))
	for _, x := range exchanges {
		name := x.Name
		if name == "" {
			name = x.Type
		}
		connector, err := bidrequest.NewConnector(x.Type, name, x.Config)
		if err != nil {
			return nil, err
		}
		connectors[name] = connector
		glog.Infof("installed exchange connector %s (type %s)", name, x.Type)
	}
	return connectors, nil
}

func newSink(cfg *config.Configuration) (postauction.Sink, error) {
	switch cfg.Sink.Type {
	case "redis":
		return postauction.NewRedisSink(cfg.Sink.Redis.Addr, cfg.Sink.Redis.Key), nil
	default:
		return postauction.NewFileSink(cfg.Sink.Path, cfg.Sink.Snappy)
	}
}

func statusHandler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Write([]byte("ok"))
}

// NoCache keeps intermediaries from replaying auction traffic.
type NoCache struct {
	Handler http.Handler
}

func (m NoCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Add("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Add("Pragma", "no-cache")
	w.Header().Add("Expires", "0")
	m.Handler.ServeHTTP(w, r)
}

func SupportCORS(handler http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowCredentials: true,
		AllowOriginFunc: func(string) bool {
			return true
		},
		AllowedHeaders: []string{"Origin", "X-Requested-With", "Content-Type", "Accept"}})
	return c.Handler(handler)
}
