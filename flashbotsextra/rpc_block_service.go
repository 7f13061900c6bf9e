package flashbotsextra

import (
	"github.com/flashbots/go-utils/jsonrpc"
	"github.com/flashbots/mev-producer/miner"
)

// RpcCycleClient forwards cycle records to a remote JSON-RPC collector.
type RpcCycleClient struct {
	URL string
}

func NewRpcCycleClient(URL string) *RpcCycleClient {
	return &RpcCycleClient{URL: URL}
}

func (r *RpcCycleClient) ConsumeCycle(summary *miner.CycleSummary) error {
	record := NewCycleRecord(summary)
	if record == nil {
		return nil
	}
	reqrpc := jsonrpc.JSONRPCRequest{
		ID:      nil,
		Method:  "producer_consumeCycle",
		Version: "2.0",
		Params:  []interface{}{record},
	}

	resp, err := jsonrpc.SendJSONRPCRequest(reqrpc, r.URL)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}
