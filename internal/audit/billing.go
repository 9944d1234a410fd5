package audit

import "github.com/rapportlabs/rapport/internal/adapter"

// BillingBridge adapts the LLM adapter's accounting stream into llm_call_log
// audit records. Billing rows carry no session, so those fields stay empty.
type BillingBridge struct {
	logger *Logger
}

var _ adapter.BillingSink = (*BillingBridge)(nil)

// NewBillingBridge wraps a logger as a billing sink.
func NewBillingBridge(l *Logger) *BillingBridge {
	return &BillingBridge{logger: l}
}

func (b *BillingBridge) Record(rec adapter.BillingRecord) {
	b.logger.Log("", rec.UserID, "", KindLLMCall, LLMCallLog{
		TaskType:     string(rec.TaskType),
		Provider:     rec.Provider,
		Model:        rec.Model,
		InputTokens:  rec.InputTokens,
		OutputTokens: rec.OutputTokens,
		CostUSD:      rec.CostUSD,
		DurationMS:   rec.LatencyMS,
		Success:      rec.Success,
		Error:        rec.Error,
	})
}
