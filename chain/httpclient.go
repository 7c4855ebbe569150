package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// HTTPClient queries a subtensor REST bridge for the subnet metagraph.
type HTTPClient struct {
	endpoint string
	client   *http.Client
}

// NewHTTPClient builds a metagraph client against the given bridge endpoint.
func NewHTTPClient(endpoint string) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{},
	}
}

type metagraphResponse struct {
	Hotkeys         []string  `json:"hotkeys"`
	ValidatorPermit []bool    `json:"validator_permit"`
	Stake           []float64 `json:"stake"`
}

// Metagraph implements Client.
func (c *HTTPClient) Metagraph(ctx context.Context, netuid int) (*Metagraph, error) {
	url := fmt.Sprintf("%s/metagraph/%d", c.endpoint, netuid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build metagraph request")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "query metagraph")
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Debug("Could not close metagraph response body")
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("metagraph query returned status %d", resp.StatusCode)
	}
	var body metagraphResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "decode metagraph response")
	}
	hotkeys := make([]KeyID, len(body.Hotkeys))
	for i, hk := range body.Hotkeys {
		hotkeys[i] = KeyID(hk)
	}
	return &Metagraph{
		Hotkeys:         hotkeys,
		ValidatorPermit: body.ValidatorPermit,
		Stakes:          body.Stake,
	}, nil
}
