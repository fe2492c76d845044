package agents

import (
	"encoding/json"
	"fmt"
	"sync"
)

// ProviderDataDecoder turns a provider's raw config blob into its typed form.
// Exchange connectors register decoders at startup; publish-time validation
// runs them so the hot path only ever sees typed values.
type ProviderDataDecoder func(raw json.RawMessage) (interface{}, error)

var (
	providerDecodersLock sync.RWMutex
	providerDecoders     = make(map[string]ProviderDataDecoder)
)

// RegisterProviderData installs the decoder for a provider name. Duplicate
// registration is a startup programming error.
func RegisterProviderData(provider string, decoder ProviderDataDecoder) {
	providerDecodersLock.Lock()
	defer providerDecodersLock.Unlock()
	if _, ok := providerDecoders[provider]; ok {
		panic(fmt.Sprintf("agents: provider data decoder %q registered twice", provider))
	}
	providerDecoders[provider] = decoder
}

// decodeProviderData builds the typed table for a raw provider config map.
// Providers without a registered decoder keep their raw form, so connectors
// that only pass blobs through still work.
func decodeProviderData(raw map[string]json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	providerDecodersLock.RLock()
	defer providerDecodersLock.RUnlock()

	typed := make(map[string]interface{}, len(raw))
	for provider, blob := range raw {
		decoder, ok := providerDecoders[provider]
		if !ok {
			typed[provider] = blob
			continue
		}
		value, err := decoder(blob)
		if err != nil {
			return nil, fmt.Errorf("provider data %q: %v", provider, err)
		}
		typed[provider] = value
	}
	return typed, nil
}
