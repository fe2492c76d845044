package bidrequest

import (
	"fmt"
	"sort"
	"sync"
)

// Connector normalizes one exchange's wire format into BidRequests. Connector
// types are compiled in and registered at startup; there is no dynamic
// loading. Out-of-process exchanges talk through the normalized model.
type Connector interface {
	// Name is the exchange name stamped onto normalized requests.
	Name() string
	// Normalize parses a request body. Errors mean the body is rejected and
	// the exchange receives a no-bid.
	Normalize(body []byte) (*BidRequest, error)
}

// ConnectorBuilder constructs a connector instance from its config blob.
type ConnectorBuilder func(name string, cfg map[string]interface{}) (Connector, error)

var (
	buildersLock sync.RWMutex
	builders     = make(map[string]ConnectorBuilder)
)

// RegisterConnector installs a builder for a connector type. Registering the
// same type twice is a programming error and panics at startup.
func RegisterConnector(connectorType string, builder ConnectorBuilder) {
	buildersLock.Lock()
	defer buildersLock.Unlock()
	if _, ok := builders[connectorType]; ok {
		panic(fmt.Sprintf("bidrequest: connector type %q registered twice", connectorType))
	}
	builders[connectorType] = builder
}

// NewConnector builds a connector of the given registered type.
func NewConnector(connectorType, name string, cfg map[string]interface{}) (Connector, error) {
	buildersLock.RLock()
	builder, ok := builders[connectorType]
	buildersLock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("bidrequest: unknown connector type %q (registered: %v)", connectorType, ConnectorTypes())
	}
	return builder(name, cfg)
}

// ConnectorTypes lists the registered connector types, sorted.
func ConnectorTypes() []string {
	buildersLock.RLock()
	defer buildersLock.RUnlock()
	types := make([]string, 0, len(builders))
	for t := range builders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
