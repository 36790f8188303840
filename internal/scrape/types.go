// Package scrape defines the run model and the contracts shared across subsystems.
package scrape

import (
	"encoding/json"
	"time"
)

// RunStatus represents the lifecycle state of a scrape run.
type RunStatus string

// Run status values persisted in the run store.
const (
	RunStatusPending    RunStatus = "PENDING"
	RunStatusProcessing RunStatus = "PROCESSING"
	RunStatusComplete   RunStatus = "COMPLETE"
	RunStatusFailed     RunStatus = "FAILED"
)

// Format is an output representation requested from the scraping API.
type Format string

// Supported output formats.
const (
	FormatMarkdown   Format = "markdown"
	FormatHTML       Format = "html"
	FormatRawHTML    Format = "rawHtml"
	FormatScreenshot Format = "screenshot"
	FormatJSON       Format = "json"
)

// Error classification codes recorded on failed runs.
const (
	ErrorCodeUnknown    = "UNKNOWN_ERROR"
	ErrorCodeProcessing = "PROCESSING_ERROR"
)

// AgentOptions configures LLM-driven extraction. It is passed through to the
// scraping API untouched.
type AgentOptions struct {
	Prompt       string          `json:"prompt,omitempty"`
	Model        string          `json:"model,omitempty"`
	Schema       json.RawMessage `json:"schema,omitempty"`
	Example      json.RawMessage `json:"example,omitempty"`
	SystemPrompt string          `json:"systemPrompt,omitempty"`
}

// Options is the bag of optional scrape knobs. Nil pointers mean "unset" and
// are omitted from the outbound request.
type Options struct {
	OnlyMainContent *bool         `json:"onlyMainContent,omitempty"`
	Stealth         *bool         `json:"stealth,omitempty"`
	TimeoutMs       *int          `json:"timeout,omitempty"`
	IncludeTags     []string      `json:"includeTags,omitempty"`
	ExcludeTags     []string      `json:"excludeTags,omitempty"`
	WaitForMs       *int          `json:"waitFor,omitempty"`
	MaxAgeMs        *int64        `json:"maxAge,omitempty"`
	Agent           *AgentOptions `json:"agent,omitempty"`
}

// Params captures the request parameters of a run.
type Params struct {
	URL     string   `json:"url"`
	Formats []Format `json:"formats"`
	Options Options  `json:"options"`
}

// Result is the payload recorded on a COMPLETE run.
type Result struct {
	Markdown   string          `json:"markdown,omitempty"`
	HTML       string          `json:"html,omitempty"`
	RawHTML    string          `json:"rawHtml,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	Links      []string        `json:"links,omitempty"`
	Screenshot string          `json:"screenshot,omitempty"`
	JSON       json.RawMessage `json:"json,omitempty"`
	ArchiveURI string          `json:"archiveUri,omitempty"`
}

// RunError is the payload recorded on a FAILED run.
type RunError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Run is a single scrape request and its outcome.
type Run struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"ownerId"`
	URL         string     `json:"url"`
	Formats     []Format   `json:"formats"`
	Options     Options    `json:"options"`
	Status      RunStatus  `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  *int64     `json:"duration"`
	Result      *Result    `json:"result"`
	Error       *RunError  `json:"error"`
}

// Params returns the request parameters stored on the run.
func (r Run) Params() Params {
	return Params{URL: r.URL, Formats: r.Formats, Options: r.Options}
}

// IsTerminal reports whether the run reached COMPLETE or FAILED.
func (r Run) IsTerminal() bool {
	return r.Status.Terminal()
}

// SortOrder controls list ordering on created time.
type SortOrder string

// Supported sort orders.
const (
	SortNewest SortOrder = "desc"
	SortOldest SortOrder = "asc"
)

// ListFilter scopes ListRuns results.
type ListFilter struct {
	Status *RunStatus
	From   *time.Time
	To     *time.Time
	Sort   SortOrder
	Limit  int
	Offset int
}
