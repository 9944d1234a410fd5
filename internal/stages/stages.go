// Package stages holds the six pipeline stage services: context building,
// scene analysis, strategy planning, persona inference, reply generation, and
// the intimacy gate. Each stage is a leaf service over the LLM adapter; the
// orchestrator composes them and no stage calls back up.
package stages

import (
	"context"

	"github.com/rapportlabs/rapport/internal/adapter"
	"github.com/rapportlabs/rapport/pkg/types"
)

// Caller is the slice of the LLM adapter the stages use. *adapter.Adapter
// satisfies it; tests substitute fakes.
type Caller interface {
	Call(ctx context.Context, call adapter.Call) (*adapter.Result, error)
}

// adapterResult keeps stage signatures readable.
type adapterResult = adapter.Result

// callFor builds the common single-prompt adapter call.
func callFor(task types.TaskType, promptText string, quality types.Quality, userID string) adapter.Call {
	return adapter.Call{
		TaskType: task,
		Prompt:   promptText,
		Quality:  quality,
		UserID:   userID,
	}
}
