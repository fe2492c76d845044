package endpoints

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/julienschmidt/httprouter"
	"github.com/mssola/user_agent"

	"github.com/sharpyfox/rtbkit/auction"
	"github.com/sharpyfox/rtbkit/bidrequest"
	"github.com/sharpyfox/rtbkit/errortypes"
	"github.com/sharpyfox/rtbkit/metrics"
)

// AuctionEngine is the slice of the engine the ingress needs.
type AuctionEngine interface {
	Admit(req *bidrequest.BidRequest, timeout time.Duration) (<-chan auction.Result, error)
}

type auctionEndpoint struct {
	engine     AuctionEngine
	connectors map[string]bidrequest.Connector
	timeout    time.Duration
	grace      time.Duration
	me         metrics.Engine
}

// NewAuctionEndpoint serves POST /auctions/:exchange. Whatever goes wrong,
// the exchange only ever sees a bid response or a no-bid; internal errors
// never escape.
func NewAuctionEndpoint(engine AuctionEngine, connectors map[string]bidrequest.Connector, timeout, grace time.Duration, me metrics.Engine) httprouter.Handle {
	endpoint := &auctionEndpoint{
		engine:     engine,
		connectors: connectors,
		timeout:    timeout,
		grace:      grace,
		me:         me,
	}
	return endpoint.handle
}

func (e *auctionEndpoint) handle(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	exchange := ps.ByName("exchange")
	connector, ok := e.connectors[exchange]
	if !ok {
		glog.V(1).Infof("auction request for unknown exchange %q", exchange)
		writeNoBid(w)
		return
	}

	body, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeNoBid(w)
		return
	}

	req, err := connector.Normalize(body)
	if err != nil {
		glog.V(1).Infof("exchange %s sent an unusable request: %v", exchange, err)
		e.me.RecordError(errortypes.InvalidEventErrorCode)
		writeNoBid(w)
		return
	}

	if ua := user_agent.New(req.UserAgent); ua.Bot() {
		e.me.RecordFilterReject("botTraffic")
		writeNoBid(w)
		return
	}

	ch, err := e.engine.Admit(req, e.timeout)
	if err != nil {
		// DuplicateRequest and friends: the exchange still just sees no-bid
		writeNoBid(w)
		return
	}

	select {
	case result := <-ch:
		if result.NoBid {
			writeNoBid(w)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(result); err != nil {
			glog.Warningf("failed to write auction response: %v", err)
		}
	case <-time.After(e.timeout + e.grace):
		e.me.RecordError(errortypes.TimeoutErrorCode)
		writeNoBid(w)
	}
}

func writeNoBid(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
