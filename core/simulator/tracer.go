package simulator

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// storageAccessTracer is a JS tracer for debug_traceCall that records every
// storage slot read or written per contract during validation. Nodes without
// the JS tracer engine reject it; callers degrade to sender-only conflict
// detection in that case.
const storageAccessTracer = `{
	access: {},
	step: function(log, db) {
		var op = log.op.toString();
		if (op == 'SLOAD' || op == 'SSTORE') {
			var addr = toHex(log.contract.getAddress());
			var slot = toHex(toWord(log.stack.peek(0).toString(16)));
			if (this.access[addr] === undefined) this.access[addr] = {};
			this.access[addr][slot] = true;
		}
	},
	fault: function(log, db) {},
	result: function(ctx, db) { return { access: this.access }; }
}`

type tracerOutput struct {
	Access map[string]map[string]bool `json:"access"`
}

// parseTracerOutput converts the raw tracer result into per-address slot
// sets keyed the way the builder's conflict check expects.
func parseTracerOutput(raw json.RawMessage) (map[common.Address]map[common.Hash]struct{}, error) {
	var out tracerOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("cannot parse storage tracer output: %w", err)
	}

	touched := make(map[common.Address]map[common.Hash]struct{}, len(out.Access))
	for addrHex, slots := range out.Access {
		addr := common.HexToAddress(addrHex)
		set := make(map[common.Hash]struct{}, len(slots))
		for slotHex := range slots {
			set[common.HexToHash(slotHex)] = struct{}{}
		}
		touched[addr] = set
	}
	return touched, nil
}
