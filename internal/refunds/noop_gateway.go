package refunds

import (
	"context"
	"encoding/json"
)

// NoopGateway is a stub Gateway that always approves. Useful for local
// runs and environments without acquirer credentials.
type NoopGateway struct {
	Code AcquirerCode
}

func (n *NoopGateway) ExecuteRefund(ctx context.Context, refund Refund) (json.RawMessage, error) {
	response, err := json.Marshal(struct {
		Acquirer string `json:"acquirer"`
		Refund   string `json:"refund"`
		Result   string `json:"result"`
	}{
		Acquirer: string(n.Code),
		Refund:   refund.Reference,
		Result:   "approved",
	})
	if err != nil {
		return nil, err
	}
	return response, nil
}
