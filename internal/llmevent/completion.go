package llmevent

import "github.com/google/uuid"

const (
	// VendorOpenAI identifies the OpenAI backend in the vendor attribute.
	VendorOpenAI = "OpenAI"
	// DefaultIngestSource tags events produced by this integration.
	DefaultIngestSource = "Go"

	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// CompletionResult is one finished generation as reported by the chat backend.
type CompletionResult struct {
	ResponseID   string
	Model        string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Text         string
}

// CompletionContext groups the values every event of one request shares.
type CompletionContext struct {
	CompletionID string
	Vendor       string
	RequestModel string
	IngestSource string
}

// Message is one conversational turn supplied by the caller.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

var newCompletionID = uuid.NewString

// NewCompletionContext returns a context with a freshly generated completion id.
func NewCompletionContext(vendor, requestModel, ingestSource string) CompletionContext {
	return CompletionContext{
		CompletionID: newCompletionID(),
		Vendor:       vendor,
		RequestModel: requestModel,
		IngestSource: ingestSource,
	}
}
