package types

// IntimacyStage is one of the five coarse intimacy bands cut from the 0–100
// intimacy axis at 20/40/60/80.
type IntimacyStage int

const (
	StageStranger IntimacyStage = iota
	StageAcquaintance
	StageFriend
	StageIntimate
	StageBonded
)

// String returns the stage name used in prompts and moderation reasons.
func (s IntimacyStage) String() string {
	switch s {
	case StageStranger:
		return "stranger"
	case StageAcquaintance:
		return "acquaintance"
	case StageFriend:
		return "friend"
	case StageIntimate:
		return "intimate"
	case StageBonded:
		return "bonded"
	default:
		return "unknown"
	}
}

// StageOf maps an intimacy level to its stage. Levels outside [0, 100] are
// clamped before bucketing.
func StageOf(level int) IntimacyStage {
	switch {
	case level < 20:
		return StageStranger
	case level < 40:
		return StageAcquaintance
	case level < 60:
		return StageFriend
	case level < 80:
		return StageIntimate
	default:
		return StageBonded
	}
}

// ClampIntimacy bounds a level to the valid [0, 100] range.
func ClampIntimacy(level int) int {
	if level < 0 {
		return 0
	}
	if level > 100 {
		return 100
	}
	return level
}
