// Package profile is the facade over the user-persona store: fetch or create
// a profile, serialise it into a prompt fragment, record learned traits, and
// compile stage-based reply policies.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rapportlabs/rapport/pkg/types"
)

// ErrNotFound is returned by [Store.Get] when the user has no profile yet.
var ErrNotFound = errors.New("profile not found")

// Profile is one user's learned persona.
type Profile struct {
	UserID        string              `json:"user_id"`
	Style         string              `json:"style"`
	Pacing        types.Pacing        `json:"pacing"`
	RiskTolerance types.RiskTolerance `json:"risk_tolerance"`
	Confidence    float64             `json:"confidence"`

	// Traits are short learned observations ("answers late at night",
	// "prefers voice notes"). Order of first observation is preserved.
	Traits []string `json:"traits"`

	// InferredIntimacy is the last intimacy level inferred from conversation.
	InferredIntimacy int `json:"inferred_intimacy"`

	// Topics are recurring conversation topics.
	Topics []string `json:"topics"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists profiles. Implementations: [Memory], [PostgresStore].
type Store interface {
	// Get returns the profile for a user or [ErrNotFound].
	Get(ctx context.Context, userID string) (*Profile, error)

	// Put inserts or replaces a profile.
	Put(ctx context.Context, p *Profile) error
}

// Facade wraps a [Store] with fetch-or-create semantics and prompt rendering.
// Store failures degrade to default personas; the facade never fails the
// request path.
type Facade struct {
	store Store
}

// NewFacade creates a facade over store. A nil store means memory-only.
func NewFacade(store Store) *Facade {
	if store == nil {
		store = NewMemory()
	}
	return &Facade{store: store}
}

// defaultProfile is the persona assumed for a user we know nothing about.
func defaultProfile(userID string) *Profile {
	now := time.Now().UTC()
	return &Profile{
		UserID:        userID,
		Pacing:        types.PacingNormal,
		RiskTolerance: types.RiskMedium,
		Confidence:    0.3,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// FetchOrCreate returns the user's profile, creating a default one on first
// sight. A failing store yields the default without error.
func (f *Facade) FetchOrCreate(ctx context.Context, userID string) *Profile {
	p, err := f.store.Get(ctx, userID)
	if err == nil {
		return p
	}
	fresh := defaultProfile(userID)
	if !errors.Is(err, ErrNotFound) {
		slog.Warn("profile store read failed, using defaults", "user_id", userID, "error", err)
		return fresh
	}
	if err := f.store.Put(ctx, fresh); err != nil {
		slog.Warn("profile store write failed", "user_id", userID, "error", err)
	}
	return fresh
}

// RecordTraits appends newly learned traits, skipping duplicates. Best-effort.
func (f *Facade) RecordTraits(ctx context.Context, userID string, traits ...string) {
	if len(traits) == 0 {
		return
	}
	p := f.FetchOrCreate(ctx, userID)
	seen := make(map[string]bool, len(p.Traits))
	for _, t := range p.Traits {
		seen[t] = true
	}
	changed := false
	for _, t := range traits {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		p.Traits = append(p.Traits, t)
		seen[t] = true
		changed = true
	}
	if !changed {
		return
	}
	p.UpdatedAt = time.Now().UTC()
	if err := f.store.Put(ctx, p); err != nil {
		slog.Warn("profile store write failed", "user_id", userID, "error", err)
	}
}

// UpdateInference stores the latest inferred intimacy and topics. Best-effort.
func (f *Facade) UpdateInference(ctx context.Context, userID string, intimacy int, topics []string) {
	p := f.FetchOrCreate(ctx, userID)
	p.InferredIntimacy = types.ClampIntimacy(intimacy)
	if len(topics) > 0 {
		p.Topics = topics
	}
	p.UpdatedAt = time.Now().UTC()
	if err := f.store.Put(ctx, p); err != nil {
		slog.Warn("profile store write failed", "user_id", userID, "error", err)
	}
}

// Snapshot renders a profile into the persona snapshot fed to the generator.
func (f *Facade) Snapshot(p *Profile) *types.PersonaSnapshot {
	return &types.PersonaSnapshot{
		Style:         p.Style,
		Pacing:        p.Pacing,
		RiskTolerance: p.RiskTolerance,
		Confidence:    p.Confidence,
		Prompt:        renderPrompt(p),
	}
}

// renderPrompt turns the profile into a short natural-language fragment.
func renderPrompt(p *Profile) string {
	var b strings.Builder
	if p.Style != "" {
		fmt.Fprintf(&b, "Texting style: %s. ", p.Style)
	}
	fmt.Fprintf(&b, "Pacing: %s. Risk tolerance: %s.", p.Pacing, p.RiskTolerance)
	if len(p.Traits) > 0 {
		// Cap the fragment; old traits matter less than recent ones.
		traits := p.Traits
		if len(traits) > 5 {
			traits = traits[len(traits)-5:]
		}
		fmt.Fprintf(&b, " Known traits: %s.", strings.Join(traits, "; "))
	}
	if len(p.Topics) > 0 {
		fmt.Fprintf(&b, " Recurring topics: %s.", strings.Join(p.Topics, ", "))
	}
	return b.String()
}

// Policy is the stage-compiled guidance applied to reply generation.
type Policy struct {
	// Stage is the target intimacy stage the policy was compiled for.
	Stage types.IntimacyStage

	// MaxRisk caps how adventurous replies may be at this stage.
	MaxRisk types.RiskTolerance

	// Guidance is a natural-language constraint rendered into the prompt.
	Guidance string
}

// StagePolicy compiles the reply policy for a target intimacy level.
func StagePolicy(level int) Policy {
	stage := types.StageOf(level)
	switch stage {
	case types.StageStranger:
		return Policy{Stage: stage, MaxRisk: types.RiskLow,
			Guidance: "Keep it light and low-pressure; no pet names, no assumptions of closeness."}
	case types.StageAcquaintance:
		return Policy{Stage: stage, MaxRisk: types.RiskLow,
			Guidance: "Friendly and curious; personal questions are fine, flirting only if reciprocated."}
	case types.StageFriend:
		return Policy{Stage: stage, MaxRisk: types.RiskMedium,
			Guidance: "Warm and familiar; light teasing and callbacks to shared history are welcome."}
	case types.StageIntimate:
		return Policy{Stage: stage, MaxRisk: types.RiskHigh,
			Guidance: "Affectionate and direct; emotional depth over small talk."}
	default: // bonded
		return Policy{Stage: stage, MaxRisk: types.RiskHigh,
			Guidance: "Fully familiar; honesty and inside references beat politeness."}
	}
}
