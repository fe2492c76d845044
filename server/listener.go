package server

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/net/netutil"

	"github.com/sharpyfox/rtbkit/metrics"
)

type monitorableConnection struct {
	net.Conn
	metrics metrics.Engine
}

func (l *monitorableConnection) Close() error {
	l.metrics.RecordClosedConnection()
	return l.Conn.Close()
}

type monitorableListener struct {
	*net.TCPListener
	metrics metrics.Engine
}

func (ln *monitorableListener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}

	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(3 * time.Minute)
	ln.metrics.RecordNewConnection()
	return &monitorableConnection{
		tc,
		ln.metrics,
	}, nil
}

// newListener opens the TCP listener, optionally capping concurrent
// connections and counting them on the metrics engine.
func newListener(address string, maxConnections int, me *metrics.Metrics) (net.Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("error listening for TCP connections on %s: %v", address, err)
	}

	if me != nil {
		if tcpListener, ok := ln.(*net.TCPListener); ok {
			ln = &monitorableListener{tcpListener, me}
		}
	}
	if maxConnections > 0 {
		ln = netutil.LimitListener(ln, maxConnections)
	}

	return ln, nil
}
