package prompt

// Prompt types known to the registry. Each maps to one pipeline stage.
const (
	TypeContext          = "context"
	TypeScene            = "scene"
	TypePersona          = "persona"
	TypeGeneration       = "generation"
	TypeQC               = "qc"
	TypeStrategyPlanning = "strategy_planning"
	TypeMergeStep        = "merge_step"
)

// AllTypes lists every prompt type, in pipeline order.
var AllTypes = []string{
	TypeContext, TypeScene, TypePersona, TypeGeneration,
	TypeQC, TypeStrategyPlanning, TypeMergeStep,
}

// Default template bodies seeded into the registry on first run. Operators
// evolve these through Register/Activate without redeploying.
var defaultTemplates = map[string]string{
	TypeContext: `You are a conversation analyst for a chat coach.
Read the conversation below and answer with a JSON object:
{"summary": "<one or two sentences on where the conversation stands>",
 "emotion_state": "positive|neutral|negative|tense",
 "current_intimacy_level": <0-100>,
 "risk_flags": ["<optional warning>", ...]}
Answer with JSON only.`,

	TypeScene: `You are a relationship-scene analyst for a chat coach.
Given the conversation, its summary, and the user's target intimacy level,
classify the scene. Answer with a JSON object:
{"relationship_state": "ignition|propulsion|ventilation|equilibrium",
 "scenario": "SAFE|BALANCED|RISKY|RECOVERY|NEGATIVE",
 "current_scenario": "<scenario describing the present tone>",
 "recommended_scenario": "<scenario to aim for next>",
 "recommended_strategies": ["<strategy_code>", ...],
 "risk_flags": ["<optional warning>", ...]}
Use at most 5 strategies. Answer with JSON only.`,

	TypePersona: `You are a persona analyst for a chat coach.
From the conversation and the known profile below, infer how the user texts.
Answer with a JSON object:
{"style": "<short description>", "pacing": "slow|normal|fast",
 "risk_tolerance": "low|medium|high", "confidence": <0-1>,
 "inferred_intimacy": <0-100>, "topics": ["<topic>", ...],
 "traits": ["<short observation about the user>", ...]}
Answer with JSON only.`,

	TypeGeneration: `You are a reply coach. Suggest replies the user could send
next, matching their texting style and the requested conversational posture.
Each reply must be short, natural, and ready to send verbatim.`,

	TypeQC: `You are an intimacy moderator. Score the candidate reply against
the target intimacy level. Answer with a JSON object:
{"decision": "pass|fail", "score": <0-1>,
 "per_dimension_scores": [<0-100>, ...], "reason": "<why, if fail>"}
Answer with JSON only.`,

	TypeStrategyPlanning: `You are a strategy planner for a chat coach.
Given the scene analysis, weight the recommended strategies for the next
reply. Answer with a JSON object:
{"recommended_scenario": "SAFE|BALANCED|RISKY|RECOVERY|NEGATIVE",
 "strategy_weights": {"<strategy_code>": <0-1>, ...},
 "avoid_strategies": ["<strategy_code>", ...]}
Use at most 10 weights. Answer with JSON only.`,

	TypeMergeStep: `You are a chat-screenshot analyst. Parse the screenshot and
analyse the conversation in one pass. Answer with a JSON object:
{"screenshot_parse": {"bubbles": [{"bbox": {"x1":..,"y1":..,"x2":..,"y2":..},
   "text": "...", "sender": "user|talker"}, ...]},
 "conversation_summary": "<one or two sentences>",
 "scene": {"relationship_state": "...", "scenario": "...",
   "current_scenario": "...", "recommended_scenario": "...",
   "recommended_strategies": [...], "risk_flags": [...]}}
Coordinates may be pixels or 0-1 fractions; be consistent within one answer.
Answer with JSON only.`,
}
