package adapter

import (
	"math"
	"sync/atomic"
)

// UsageTotals is the running per-user consumption for this process.
type UsageTotals struct {
	Calls        int64   `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// usageCounters is the lock-free per-user accumulator. Cost is stored as
// float64 bits and added with a CAS loop.
type usageCounters struct {
	calls    atomic.Int64
	inTokens atomic.Int64
	outToks  atomic.Int64
	costBits atomic.Uint64
}

func (c *usageCounters) addCost(usd float64) {
	for {
		old := c.costBits.Load()
		next := math.Float64bits(math.Float64frombits(old) + usd)
		if c.costBits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (a *Adapter) addUsage(userID string, res *Result) {
	if userID == "" {
		return
	}
	v, _ := a.usage.LoadOrStore(userID, &usageCounters{})
	c := v.(*usageCounters)
	c.calls.Add(1)
	c.inTokens.Add(int64(res.InputTokens))
	c.outToks.Add(int64(res.OutputTokens))
	c.addCost(res.CostUSD)
}

// Usage returns the user's running totals. Unknown users report zeros.
func (a *Adapter) Usage(userID string) UsageTotals {
	v, ok := a.usage.Load(userID)
	if !ok {
		return UsageTotals{}
	}
	c := v.(*usageCounters)
	return UsageTotals{
		Calls:        c.calls.Load(),
		InputTokens:  c.inTokens.Load(),
		OutputTokens: c.outToks.Load(),
		CostUSD:      math.Float64frombits(c.costBits.Load()),
	}
}
