package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/golang/glog"

	"github.com/sharpyfox/rtbkit/config"
	"github.com/sharpyfox/rtbkit/metrics"
)

// Handlers bundles the router's HTTP surfaces for the listeners.
type Handlers struct {
	Main   http.Handler
	Win    http.Handler
	Events http.Handler
	Admin  http.Handler
}

// Listen blocks forever, serving router traffic on the configured ports.
// Process-stopper signals fan out to every server for graceful shutdowns.
func Listen(cfg *config.Configuration, handlers Handlers, me *metrics.Metrics) {
	stopSignals := make(chan os.Signal, 1)
	signal.Notify(stopSignals, syscall.SIGTERM, syscall.SIGINT)

	done := make(chan struct{})
	var stoppers []chan os.Signal

	launch := func(name string, port int, handler http.Handler, monitored bool) bool {
		server := &http.Server{
			Addr:         cfg.Host + ":" + strconv.Itoa(port),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		stopper := make(chan os.Signal)
		go shutdownAfterSignals(server, stopper, done)

		var monitor *metrics.Metrics
		if monitored {
			monitor = me
		}
		listener, err := newListener(server.Addr, cfg.MaxConnections, monitor)
		if err != nil {
			glog.Errorf("error listening for TCP connections on %s: %v for %s server", server.Addr, err, name)
			return false
		}
		stoppers = append(stoppers, stopper)
		go runServer(server, name, listener)
		return true
	}

	mainHandler := handlers.Main
	if cfg.EnableGzip {
		mainHandler = gziphandler.GzipHandler(mainHandler)
	}

	if !launch("Main", cfg.Port, mainHandler, true) {
		return
	}
	if !launch("Win", cfg.WinPort, handlers.Win, false) {
		return
	}
	if !launch("Events", cfg.EventsPort, handlers.Events, false) {
		return
	}
	if !launch("Admin", cfg.AdminPort, handlers.Admin, false) {
		return
	}
	if cfg.Metrics.Prometheus.Port != 0 {
		if !launch("Prometheus", cfg.Metrics.Prometheus.Port, newPrometheusHandler(me), false) {
			return
		}
	}

	wait(stopSignals, done, stoppers)
}

func runServer(server *http.Server, name string, listener net.Listener) {
	glog.Infof("%s server starting on: %s", name, server.Addr)
	err := server.Serve(listener)
	glog.Errorf("%s server quit with error: %v", name, err)
}

func wait(inbound <-chan os.Signal, done <-chan struct{}, outbound []chan os.Signal) {
	sig := <-inbound

	for i := 0; i < len(outbound); i++ {
		go sendSignal(outbound[i], sig)
	}

	for i := 0; i < len(outbound); i++ {
		<-done
	}
}

func shutdownAfterSignals(server *http.Server, stopper <-chan os.Signal, done chan<- struct{}) {
	sig := <-stopper

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var s struct{}
	glog.Infof("stopping %s because of signal: %s", server.Addr, sig.String())
	if err := server.Shutdown(ctx); err != nil {
		glog.Errorf("failed to shutdown %s: %v", server.Addr, err)
	}
	done <- s
}

func sendSignal(to chan<- os.Signal, sig os.Signal) {
	to <- sig
}
