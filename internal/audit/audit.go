// Package audit records pipeline decisions for offline analysis: scene
// analyses, persona snapshots, LLM calls, intimacy checks, and final
// generation results. Records are write-only; the request path never reads
// them back.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Record kinds.
const (
	KindSceneAnalysis    = "scene_analysis_log"
	KindPersonaSnapshot  = "persona_snapshot"
	KindLLMCall          = "llm_call_log"
	KindIntimacyCheck    = "intimacy_check_log"
	KindGenerationResult = "generation_result"
)

// Record is one audit row. Payload is the kind-specific body.
type Record struct {
	Kind          string          `json:"kind"`
	Session       string          `json:"session_id"`
	UserID        string          `json:"user_id"`
	CorrelationID string          `json:"correlation_id"`
	CreatedAt     time.Time       `json:"created_at"`
	Payload       json.RawMessage `json:"payload"`
}

// SceneAnalysisLog is the payload for [KindSceneAnalysis].
type SceneAnalysisLog struct {
	RelationshipState string   `json:"relationship_state"`
	Scenario          string   `json:"scenario"`
	IntimacyLevel     int      `json:"intimacy_level"`
	CurrentScenario   string   `json:"current_scenario"`
	Strategies        []string `json:"strategies"`
	RiskFlags         []string `json:"risk_flags"`
}

// PersonaSnapshotLog is the payload for [KindPersonaSnapshot].
type PersonaSnapshotLog struct {
	Style         string  `json:"style"`
	Pacing        string  `json:"pacing"`
	RiskTolerance string  `json:"risk_tolerance"`
	Confidence    float64 `json:"confidence"`
}

// LLMCallLog is the payload for [KindLLMCall].
type LLMCallLog struct {
	TaskType     string  `json:"task_type"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Quality      string  `json:"quality"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
	Success      bool    `json:"success"`
	Error        string  `json:"error,omitempty"`
}

// IntimacyCheckLog is the payload for [KindIntimacyCheck].
type IntimacyCheckLog struct {
	Attempt            int       `json:"attempt"`
	Passed             bool      `json:"passed"`
	Score              float64   `json:"score"`
	PerDimensionScores []float64 `json:"per_dimension_scores,omitempty"`
	Reason             string    `json:"reason,omitempty"`
	TargetIntimacy     int       `json:"target_intimacy"`
}

// GenerationResultLog is the payload for [KindGenerationResult].
type GenerationResultLog struct {
	Attempts      int      `json:"attempts"`
	Fallback      bool     `json:"fallback"`
	ReplyCount    int      `json:"reply_count"`
	Strategies    []string `json:"strategies"`
	OverallAdvice string   `json:"overall_advice"`
	TotalCostUSD  float64  `json:"total_cost_usd"`
	DurationMS    int64    `json:"duration_ms"`
}

// Sink persists audit records. Implementations must tolerate concurrent use.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// Logger writes records through a Record-building helper and never fails the
// caller: sink errors are logged and dropped.
type Logger struct {
	sink Sink
	wg   sync.WaitGroup
}

// NewLogger wraps a sink. A nil sink means records go to slog at debug level.
func NewLogger(sink Sink) *Logger {
	if sink == nil {
		sink = SlogSink{}
	}
	return &Logger{sink: sink}
}

// Log marshals the payload and hands the record to the sink in a detached
// goroutine so auditing never extends request latency.
func (l *Logger) Log(session, userID, correlationID, kind string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("audit payload marshal failed", "kind", kind, "error", err)
		return
	}
	rec := Record{
		Kind:          kind,
		Session:       session,
		UserID:        userID,
		CorrelationID: correlationID,
		CreatedAt:     time.Now().UTC(),
		Payload:       body,
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.sink.Write(ctx, rec); err != nil {
			slog.Warn("audit write failed", "kind", kind, "session", session, "error", err)
		}
	}()
}

// Flush waits for in-flight writes. Call during shutdown.
func (l *Logger) Flush() { l.wg.Wait() }

// SlogSink logs records at debug level instead of persisting them.
type SlogSink struct{}

var _ Sink = SlogSink{}

func (SlogSink) Write(_ context.Context, rec Record) error {
	slog.Debug("audit record",
		"kind", rec.Kind,
		"session", rec.Session,
		"user_id", rec.UserID,
		"payload", string(rec.Payload),
	)
	return nil
}
