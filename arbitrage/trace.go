package arbitrage

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// CallFrame is a node of the callTracer output with logs enabled
type CallFrame struct {
	Type         string          `json:"type"`
	From         common.Address  `json:"from"`
	To           *common.Address `json:"to,omitempty"`
	Value        *hexutil.Big    `json:"value,omitempty"`
	Gas          hexutil.Uint64  `json:"gas"`
	GasUsed      hexutil.Uint64  `json:"gasUsed"`
	Input        hexutil.Bytes   `json:"input"`
	Output       hexutil.Bytes   `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	RevertReason string          `json:"revertReason,omitempty"`
	Calls        []CallFrame     `json:"calls,omitempty"`
	Logs         []CallLog       `json:"logs,omitempty"`
}

type CallLog struct {
	Address  common.Address `json:"address"`
	Topics   []common.Hash  `json:"topics"`
	Data     hexutil.Bytes  `json:"data"`
	Position hexutil.Uint   `json:"position"`
}

func (f *CallFrame) Failed() bool {
	return f.Error != ""
}

// Walk visits the frame and its subcalls depth first, in execution order
func (f *CallFrame) Walk(visit func(*CallFrame) bool) bool {
	if !visit(f) {
		return false
	}
	for i := range f.Calls {
		if !f.Calls[i].Walk(visit) {
			return false
		}
	}
	return true
}

// AllLogs collects the logs emitted by successful frames. Logs of reverted subcalls
// are discarded by the chain and are skipped here as well.
func (f *CallFrame) AllLogs() []*types.Log {
	var logs []*types.Log
	f.collectLogs(&logs)
	return logs
}

func (f *CallFrame) collectLogs(logs *[]*types.Log) {
	if f.Failed() {
		return
	}
	for _, l := range f.Logs {
		*logs = append(*logs, &types.Log{Address: l.Address, Topics: l.Topics, Data: l.Data})
	}
	for i := range f.Calls {
		f.Calls[i].collectLogs(logs)
	}
}

// FailureReason returns the most specific revert reason in the frame tree
func (f *CallFrame) FailureReason() string {
	if !f.Failed() {
		return ""
	}
	for i := range f.Calls {
		if reason := f.Calls[i].FailureReason(); reason != "" {
			return reason
		}
	}
	if f.RevertReason != "" {
		return f.RevertReason
	}
	if reason := decodeRevert(f.Output); reason != "" {
		return reason
	}
	return f.Error
}
