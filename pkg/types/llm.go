package types

// TaskType labels what a given LLM call is for. The adapter maps it to a
// provider-side scene tag; the prompt assembler selects templates by it.
type TaskType string

const (
	TaskScene            TaskType = "scene"
	TaskPersona          TaskType = "persona"
	TaskGeneration       TaskType = "generation"
	TaskQC               TaskType = "qc"
	TaskStrategyPlanning TaskType = "strategy_planning"
	TaskMergeStep        TaskType = "merge_step"
)

// IsValid reports whether t is a recognised task type.
func (t TaskType) IsValid() bool {
	switch t {
	case TaskScene, TaskPersona, TaskGeneration, TaskQC, TaskStrategyPlanning, TaskMergeStep:
		return true
	}
	return false
}

// Quality selects a model tier for an LLM call. The adapter's router maps
// each tier to an ordered list of (provider, model) candidates.
type Quality string

const (
	QualityCheap   Quality = "cheap"
	QualityNormal  Quality = "normal"
	QualityPremium Quality = "premium"
)

// IsValid reports whether q is a recognised quality tier.
func (q Quality) IsValid() bool {
	return q == QualityCheap || q == QualityNormal || q == QualityPremium
}
