// Package prompt builds the per-stage prompts fed to the LLM adapter. It
// layers registry-managed templates with request context, keeps token spend
// down via compact schemas and top-weighted strategy selection, and owns the
// quality-tier reply budgets.
package prompt

import (
	"fmt"
	"strings"

	"github.com/rapportlabs/rapport/internal/config"
	"github.com/rapportlabs/rapport/internal/profile"
	"github.com/rapportlabs/rapport/internal/promptreg"
	"github.com/rapportlabs/rapport/pkg/types"
)

// Reply token budgets per quality tier.
const (
	budgetCheap   = 50
	budgetNormal  = 100
	budgetPremium = 200
)

// conversationTail bounds how many trailing messages are rendered.
const conversationTail = 50

// Assembler renders stage prompts from registry templates plus request data.
// Safe for concurrent use.
type Assembler struct {
	reg *promptreg.Registry
	cfg config.PromptConfig
}

// New creates an assembler, seeding default templates for any prompt type the
// registry has never seen.
func New(reg *promptreg.Registry, cfg config.PromptConfig) (*Assembler, error) {
	for _, typ := range AllTypes {
		if err := reg.EnsureDefault(typ, defaultTemplates[typ]); err != nil {
			return nil, fmt.Errorf("prompt: seed %s template: %w", typ, err)
		}
	}
	return &Assembler{reg: reg, cfg: cfg}, nil
}

// Budget returns the reply token budget for a quality tier. A configured
// max_reply_tokens overrides the tier table.
func (a *Assembler) Budget(q types.Quality) int {
	if a.cfg.MaxReplyTokens > 0 {
		return a.cfg.MaxReplyTokens
	}
	switch q {
	case types.QualityCheap:
		return budgetCheap
	case types.QualityPremium:
		return budgetPremium
	default:
		return budgetNormal
	}
}

// template returns the active body for a prompt type, falling back to the
// compiled-in default if the registry cannot serve it.
func (a *Assembler) template(typ string) string {
	body, ok, err := a.reg.Active(typ)
	if err != nil || !ok {
		return defaultTemplates[typ]
	}
	return body
}

// tag renders the traceability prefix identifying which prompt version
// produced a given model output. Only emitted in compact mode.
func (a *Assembler) tag(typ string) string {
	if !a.cfg.UseCompactSchemas {
		return ""
	}
	version, ok := a.reg.ActiveVersion(typ)
	if !ok {
		version = "v1"
	}
	return "[PROMPT:" + typ + "_" + version + "]\n"
}

// renderConversation formats the trailing messages as "speaker: text" lines.
func renderConversation(messages []types.Message) string {
	if len(messages) > conversationTail {
		messages = messages[len(messages)-conversationTail:]
	}
	var b strings.Builder
	for _, m := range messages {
		role := "talker"
		if m.FromUser() {
			role = "user"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, m.Content)
	}
	return b.String()
}

// Context builds the conversation-summary prompt.
func (a *Assembler) Context(messages []types.Message) string {
	var b strings.Builder
	b.WriteString(a.tag(TypeContext))
	b.WriteString(a.template(TypeContext))
	b.WriteString("\n\n## Conversation\n")
	b.WriteString(renderConversation(messages))
	return b.String()
}

// SceneInput carries everything the scene-analysis prompt needs.
type SceneInput struct {
	Messages         []types.Message
	Summary          string
	TargetIntimacy   int
	InferredIntimacy int
}

// Scene builds the scene-analysis prompt.
func (a *Assembler) Scene(in SceneInput) string {
	var b strings.Builder
	b.WriteString(a.tag(TypeScene))
	b.WriteString(a.template(TypeScene))
	fmt.Fprintf(&b, "\n\n## Target intimacy\n%d (%s)\n", in.TargetIntimacy, types.StageOf(in.TargetIntimacy))
	fmt.Fprintf(&b, "## Inferred intimacy\n%d (%s)\n", in.InferredIntimacy, types.StageOf(in.InferredIntimacy))
	if in.Summary != "" {
		b.WriteString("## Summary\n")
		b.WriteString(in.Summary)
		b.WriteString("\n")
	}
	b.WriteString("## Conversation\n")
	b.WriteString(renderConversation(in.Messages))
	if a.cfg.UseCompactSchemas {
		b.WriteString("\nOutput compact keys instead: " +
			`{"rs":"I|P|V|E","sc":"S|B|R|C|N","il":<0-100>,"cs":"<code>","rc":"<code>","st":[...],"rf":[...]}` + "\n")
	}
	return b.String()
}

// Persona builds the persona-inference prompt.
func (a *Assembler) Persona(messages []types.Message, profileFragment string) string {
	var b strings.Builder
	b.WriteString(a.tag(TypePersona))
	b.WriteString(a.template(TypePersona))
	if profileFragment != "" {
		b.WriteString("\n\n## Known profile\n")
		b.WriteString(profileFragment)
		b.WriteString("\n")
	}
	b.WriteString("\n## Conversation\n")
	b.WriteString(renderConversation(messages))
	return b.String()
}

// StrategyPlanning builds the planner prompt from the scene analysis.
func (a *Assembler) StrategyPlanning(scene *types.SceneAnalysisResult) string {
	var b strings.Builder
	b.WriteString(a.tag(TypeStrategyPlanning))
	b.WriteString(a.template(TypeStrategyPlanning))
	fmt.Fprintf(&b, "\n\n## Scene\nRelationship state: %s. Recommended scenario: %s.\n",
		scene.RelationshipState, scene.RecommendedScenario)
	if len(scene.RecommendedStrategies) > 0 {
		fmt.Fprintf(&b, "Candidate strategies: %s.\n", strings.Join(scene.RecommendedStrategies, ", "))
	}
	if len(scene.RiskFlags) > 0 {
		fmt.Fprintf(&b, "Risk flags: %s.\n", strings.Join(scene.RiskFlags, ", "))
	}
	return b.String()
}

// GenerationInput carries everything the reply prompt needs.
type GenerationInput struct {
	Context *types.ConversationContext
	Scene   *types.SceneAnalysisResult
	Plan    *types.StrategyPlan
	Persona *types.PersonaSnapshot

	// ReplyAnchor is the counterpart message the replies respond to.
	ReplyAnchor string

	Quality types.Quality

	// Scenario overrides the scene's recommended scenario (retry seeds).
	Scenario types.Scenario

	TargetIntimacy int
}

// Generation builds the reply prompt and returns it with the token budget to
// pass as max_tokens.
func (a *Assembler) Generation(in GenerationInput) (string, int) {
	budget := a.Budget(in.Quality)

	scenario := in.Scenario
	if scenario == "" && in.Scene != nil {
		scenario = in.Scene.RecommendedScenario
	}
	if scenario == "" {
		scenario = types.ScenarioBalanced
	}

	var b strings.Builder
	b.WriteString(a.tag(TypeGeneration))
	b.WriteString(a.template(TypeGeneration))

	if in.Persona != nil && in.Persona.Prompt != "" {
		b.WriteString("\n\n## Persona\n")
		b.WriteString(in.Persona.Prompt)
		b.WriteString("\n")
	}
	if in.Context != nil && in.Context.Summary != "" {
		b.WriteString("\n## Situation\n")
		b.WriteString(in.Context.Summary)
		b.WriteString("\n")
	}
	if !a.cfg.UseCompactSchemas && in.Context != nil && len(in.Context.Conversation) > 0 {
		b.WriteString("\n## Conversation\n")
		b.WriteString(renderConversation(in.Context.Conversation))
	}
	if in.ReplyAnchor != "" {
		b.WriteString("\n## Message to reply to\n")
		b.WriteString(in.ReplyAnchor)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\n## Posture\nScenario: %s. Target intimacy: %d (%s).\n",
		scenario, in.TargetIntimacy, types.StageOf(in.TargetIntimacy))
	pol := profile.StagePolicy(in.TargetIntimacy)
	fmt.Fprintf(&b, "%s Max risk: %s.\n", pol.Guidance, pol.MaxRisk)

	if top := in.Plan.TopStrategies(3); len(top) > 0 {
		fmt.Fprintf(&b, "Favour these strategies: %s.\n", strings.Join(top, ", "))
	} else if in.Scene != nil && len(in.Scene.RecommendedStrategies) > 0 {
		strategies := in.Scene.RecommendedStrategies
		if len(strategies) > 3 {
			strategies = strategies[:3]
		}
		fmt.Fprintf(&b, "Favour these strategies: %s.\n", strings.Join(strategies, ", "))
	}
	if in.Plan != nil && len(in.Plan.AvoidStrategies) > 0 {
		fmt.Fprintf(&b, "Avoid: %s.\n", strings.Join(in.Plan.AvoidStrategies, ", "))
	}

	fmt.Fprintf(&b, "\n## Length Constraint\nKeep each reply under roughly %d tokens.\n", budget)
	b.WriteString(a.outputSchema())
	return b.String(), budget
}

// outputSchema renders the reply output-format instruction.
func (a *Assembler) outputSchema() string {
	if a.cfg.UseCompactSchemas {
		if a.cfg.IncludeReasoning {
			return "\n## Output\n" +
				`JSON only: {"r":[["<reply text>","<strategy_code>","<short reasoning>"], ...],"adv":"<overall advice>"}` +
				"\nEmit 1-5 replies.\n"
		}
		return "\n## Output\n" +
			`JSON only: {"r":[["<reply text>","<strategy_code>"], ...],"adv":"<overall advice>"}` +
			"\nEmit 1-5 replies.\n"
	}
	if a.cfg.IncludeReasoning {
		return "\n## Output\n" +
			`JSON only: {"replies":[{"text":"...","strategy":"...","reasoning":"..."}, ...],"overall_advice":"..."}` +
			"\nEmit 1-5 replies.\n"
	}
	return "\n## Output\n" +
		`JSON only: {"replies":[{"text":"...","strategy":"..."}, ...],"overall_advice":"..."}` +
		"\nEmit 1-5 replies.\n"
}

// IntimacyCheckInput carries the moderation prompt pieces.
type IntimacyCheckInput struct {
	Candidate      string
	TargetIntimacy int
	PersonaPrompt  string
	Scenario       types.Scenario
	Summary        string
}

// IntimacyCheck builds the moderation prompt.
func (a *Assembler) IntimacyCheck(in IntimacyCheckInput) string {
	var b strings.Builder
	b.WriteString(a.tag(TypeQC))
	b.WriteString(a.template(TypeQC))
	fmt.Fprintf(&b, "\n\n## Target intimacy\n%d (%s)\n", in.TargetIntimacy, types.StageOf(in.TargetIntimacy))
	if in.Scenario != "" {
		fmt.Fprintf(&b, "## Scenario\n%s\n", in.Scenario)
	}
	if in.Summary != "" {
		fmt.Fprintf(&b, "## Situation\n%s\n", in.Summary)
	}
	if in.PersonaPrompt != "" {
		fmt.Fprintf(&b, "## Persona\n%s\n", in.PersonaPrompt)
	}
	b.WriteString("## Candidate reply\n")
	b.WriteString(in.Candidate)
	b.WriteString("\n")
	return b.String()
}

// MergeStep builds the single-call multimodal prompt.
func (a *Assembler) MergeStep(targetIntimacy int) string {
	var b strings.Builder
	b.WriteString(a.tag(TypeMergeStep))
	b.WriteString(a.template(TypeMergeStep))
	fmt.Fprintf(&b, "\n\n## Target intimacy\n%d (%s)\n", targetIntimacy, types.StageOf(targetIntimacy))
	return b.String()
}
