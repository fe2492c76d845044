package server

import (
	"net/http"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sharpyfox/rtbkit/metrics"
)

func newPrometheusHandler(me *metrics.Metrics) http.Handler {
	return promhttp.HandlerFor(metrics.PrometheusRegistry(me), promhttp.HandlerOpts{
		ErrorLog:            loggerForPrometheus{},
		MaxRequestsInFlight: 5,
	})
}

type loggerForPrometheus struct{}

func (loggerForPrometheus) Println(v ...interface{}) {
	glog.Warningln(v...)
}
