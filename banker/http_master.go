package banker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sharpyfox/rtbkit/currency"
	"github.com/sharpyfox/rtbkit/errortypes"
)

// HTTPMasterClient talks to the master banker's REST surface. Refills happen
// off the hot path, so the plain net/http client is fine here.
type HTTPMasterClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPMasterClient points at the master banker base URL.
func NewHTTPMasterClient(baseURL string) *HTTPMasterClient {
	return &HTTPMasterClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 2 * time.Second},
	}
}

type reauthorizeRequest struct {
	Spent  currency.Amount `json:"spent"`
	Wanted currency.Amount `json:"wanted"`
}

type reauthorizeResponse struct {
	Authorized currency.Amount `json:"authorized"`
}

// Reauthorize reports spend and asks for the pool to be topped back up.
func (c *HTTPMasterClient) Reauthorize(account string, spent, wanted currency.Amount) (currency.Amount, error) {
	body, err := json.Marshal(reauthorizeRequest{Spent: spent, Wanted: wanted})
	if err != nil {
		return currency.Amount{}, err
	}

	endpoint := fmt.Sprintf("%s/v1/accounts/%s/reauthorize", c.baseURL, url.PathEscape(account))
	resp, err := c.client.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return currency.Amount{}, &errortypes.BudgetMasterUnreachable{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return currency.Amount{}, &errortypes.BudgetMasterUnreachable{
			Message: fmt.Sprintf("master banker returned %d for %s", resp.StatusCode, account),
		}
	}

	var decoded reauthorizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return currency.Amount{}, &errortypes.BudgetMasterUnreachable{Message: err.Error()}
	}
	return decoded.Authorized, nil
}
