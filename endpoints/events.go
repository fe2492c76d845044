package endpoints

import (
	"io/ioutil"
	"net/http"
	"time"

	"github.com/buger/jsonparser"
	"github.com/golang/glog"
	"github.com/julienschmidt/httprouter"

	"github.com/sharpyfox/rtbkit/currency"
	"github.com/sharpyfox/rtbkit/errortypes"
	"github.com/sharpyfox/rtbkit/metrics"
	"github.com/sharpyfox/rtbkit/postauction"
)

// EventSink is the slice of the post-auction loop the ingress needs.
type EventSink interface {
	HandleEvent(ev postauction.Event) error
}

type eventEndpoint struct {
	loop       EventSink
	dictionary map[string]string
	me         metrics.Engine
	// forcedKind pins the endpoint to one kind; the win port only takes wins.
	forcedKind postauction.EventKind
}

// NewWinEndpoint serves the adserver win port: every payload is a WIN.
func NewWinEndpoint(loop EventSink, dictionary map[string]string, me metrics.Engine) httprouter.Handle {
	endpoint := &eventEndpoint{loop: loop, dictionary: dictionary, me: me, forcedKind: postauction.EventWin}
	return endpoint.handle
}

// NewEventEndpoint serves the adserver events port: losses, impressions and
// clicks, with exchange vocabulary absorbed by the dictionary.
func NewEventEndpoint(loop EventSink, dictionary map[string]string, me metrics.Engine) httprouter.Handle {
	endpoint := &eventEndpoint{loop: loop, dictionary: dictionary, me: me}
	return endpoint.handle
}

// handle normalizes one JSON notification. Field extraction uses jsonparser
// so a burst of notifications does not allocate per-field.
func (e *eventEndpoint) handle(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, 1<<18))
	if err != nil {
		http.Error(w, "payload too large", http.StatusBadRequest)
		return
	}

	ev, err := e.normalize(body)
	if err != nil {
		glog.V(1).Infof("dropping unusable notification: %v", err)
		e.me.RecordError(errortypes.InvalidEventErrorCode)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := e.loop.HandleEvent(ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *eventEndpoint) normalize(body []byte) (postauction.Event, error) {
	auctionID, err := jsonparser.GetString(body, "auctionId")
	if err != nil || auctionID == "" {
		return postauction.Event{}, &errortypes.InvalidEvent{Message: "notification missing auctionId"}
	}

	kind := e.forcedKind
	if kind == "" {
		raw, err := jsonparser.GetString(body, "event")
		if err != nil {
			return postauction.Event{}, &errortypes.InvalidEvent{Message: "notification missing event kind"}
		}
		kind, err = postauction.ParseEventKind(raw, e.dictionary)
		if err != nil {
			return postauction.Event{}, err
		}
	}

	ev := postauction.Event{
		AuctionID: auctionID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
	if spot, err := jsonparser.GetInt(body, "spot"); err == nil {
		ev.Spot = int(spot)
	}
	if ts, err := jsonparser.GetString(body, "timestamp"); err == nil {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			ev.Timestamp = parsed
		}
	}
	if priceMicros, err := jsonparser.GetInt(body, "priceMicros"); err == nil {
		ev.Price = currency.MicroUSD(priceMicros)
	}
	if data, _, _, err := jsonparser.Get(body, "providerData"); err == nil {
		ev.ProviderData = append([]byte(nil), data...)
	}
	return ev, nil
}
