// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI GPT-4o,
// Anthropic Claude, or a local Ollama instance) and exposes a uniform
// interface for the Rapport adapter to perform completions, count tokens, and
// inspect model capabilities without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Message is a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting information returned by the LLM backend.
// All counts are in the model's native token unit and may differ between
// providers for the same textual content. Providers that do not report usage
// leave all fields zero.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt. This value directly affects billing.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is typically from
	// the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation. Providers without a dedicated system slot prepend it
	// as a "system"-role message.
	SystemPrompt string

	// Temperature controls output randomness in [0.0, 2.0]. Zero means use
	// the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int
}

// CompletionResponse is returned by Complete and CompleteVision.
type CompletionResponse struct {
	// Content is the full text of the model's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// ImageSourceType tells the provider how an image is referenced.
type ImageSourceType string

const (
	// ImageURL passes the image by public URL; the provider fetches it.
	ImageURL ImageSourceType = "url"

	// ImageBase64 embeds the image bytes base64-encoded in the request.
	ImageBase64 ImageSourceType = "base64"
)

// ImagePart is one image attached to a vision request.
type ImagePart struct {
	// Source is the URL or the raw base64 payload, per Type.
	Source string

	// Type selects how Source is interpreted.
	Type ImageSourceType

	// MIME is the image media type for base64 sources (default "image/jpeg").
	MIME string
}

// VisionRequest is a multimodal completion: one prompt plus one or more images.
type VisionRequest struct {
	Prompt    string
	Images    []ImagePart
	MaxTokens int
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one
	// completion.
	MaxOutputTokens int

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// Each method must propagate context cancellation promptly.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens the given message list would
	// consume in the model's context window. The result need not be exact but
	// should not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata describing what this provider's
	// underlying model supports. Assumed constant for the Provider's lifetime.
	Capabilities() ModelCapabilities
}

// VisionProvider extends Provider with multimodal completions. Callers must
// check Capabilities().SupportsVision (or type-assert to VisionProvider)
// before sending images.
type VisionProvider interface {
	Provider

	// CompleteVision sends a prompt plus images and waits for the response.
	CompleteVision(ctx context.Context, req VisionRequest) (*CompletionResponse, error)
}
