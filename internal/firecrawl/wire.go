package firecrawl

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/JakeFAU/firescrape/internal/scrape"
)

// Request is the JSON body of POST /v1/scrape. Unset options are omitted.
type Request struct {
	URL             string         `json:"url"`
	Formats         []string       `json:"formats"`
	OnlyMainContent *bool          `json:"onlyMainContent,omitempty"`
	Proxy           string         `json:"proxy,omitempty"`
	Timeout         *int           `json:"timeout,omitempty"`
	IncludeTags     []string       `json:"includeTags,omitempty"`
	ExcludeTags     []string       `json:"excludeTags,omitempty"`
	WaitFor         *int           `json:"waitFor,omitempty"`
	MaxAge          *int64         `json:"maxAge,omitempty"`
	Agent           *agentRequest  `json:"agent,omitempty"`
	JSONOptions     map[string]any `json:"jsonOptions,omitempty"`
}

type agentRequest struct {
	Prompt       string          `json:"prompt,omitempty"`
	Model        string          `json:"model,omitempty"`
	Schema       json.RawMessage `json:"schema,omitempty"`
	Example      json.RawMessage `json:"example,omitempty"`
	SystemPrompt string          `json:"systemPrompt,omitempty"`
}

// BuildRequest maps run parameters onto the Firecrawl request shape.
func BuildRequest(params scrape.Params) Request {
	formats := params.Formats
	if len(formats) == 0 {
		formats = scrape.DefaultFormats
	}
	req := Request{
		URL:     params.URL,
		Formats: make([]string, 0, len(formats)),
	}
	for _, f := range formats {
		req.Formats = append(req.Formats, string(f))
	}
	opts := params.Options
	req.OnlyMainContent = opts.OnlyMainContent
	if opts.Stealth != nil && *opts.Stealth {
		req.Proxy = "stealth"
	}
	req.Timeout = opts.TimeoutMs
	req.WaitFor = opts.WaitForMs
	req.MaxAge = opts.MaxAgeMs
	if len(opts.IncludeTags) > 0 {
		req.IncludeTags = opts.IncludeTags
	}
	if len(opts.ExcludeTags) > 0 {
		req.ExcludeTags = opts.ExcludeTags
	}
	if a := opts.Agent; a != nil && !agentEmpty(*a) {
		req.Agent = &agentRequest{
			Prompt:       a.Prompt,
			Model:        a.Model,
			Schema:       a.Schema,
			Example:      a.Example,
			SystemPrompt: a.SystemPrompt,
		}
		// Structured extraction reads its prompt and schema from jsonOptions.
		if scrape.HasFormat(formats, scrape.FormatJSON) {
			req.JSONOptions = map[string]any{}
			if a.Prompt != "" {
				req.JSONOptions["prompt"] = a.Prompt
			}
			if a.SystemPrompt != "" {
				req.JSONOptions["systemPrompt"] = a.SystemPrompt
			}
			if len(a.Schema) > 0 {
				req.JSONOptions["schema"] = a.Schema
			}
		}
	}
	return req
}

func agentEmpty(a scrape.AgentOptions) bool {
	return a.Prompt == "" && a.Model == "" && len(a.Schema) == 0 && len(a.Example) == 0 && a.SystemPrompt == ""
}

type envelope struct {
	Success   bool              `json:"success"`
	Data      *document         `json:"data"`
	Error     string            `json:"error"`
	ErrorCode string            `json:"error_code"`
	Code      string            `json:"code"`
	Details   []json.RawMessage `json:"details"`
}

type document struct {
	Markdown   string          `json:"markdown"`
	HTML       string          `json:"html"`
	RawHTML    string          `json:"rawHtml"`
	Metadata   map[string]any  `json:"metadata"`
	Links      []string        `json:"links"`
	Screenshot string          `json:"screenshot"`
	JSON       json.RawMessage `json:"json"`
}

func (d *document) toResult() scrape.Result {
	return scrape.Result{
		Markdown:   d.Markdown,
		HTML:       d.HTML,
		RawHTML:    d.RawHTML,
		Metadata:   d.Metadata,
		Links:      d.Links,
		Screenshot: d.Screenshot,
		JSON:       d.JSON,
	}
}

func (e envelope) apiError(status int) *APIError {
	code := e.ErrorCode
	if code == "" {
		code = e.Code
	}
	msg := strings.TrimSpace(e.Error)
	if details := joinDetails(e.Details); details != "" {
		if msg == "" {
			msg = details
		} else {
			msg = msg + ": " + details
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	if msg == "" {
		msg = "scrape failed"
	}
	return &APIError{Status: status, Message: msg, Code: code}
}

// joinDetails flattens the details array. Items may be plain strings or
// objects carrying a message field; anything else is kept as raw JSON.
func joinDetails(details []json.RawMessage) string {
	parts := make([]string, 0, len(details))
	for _, raw := range details {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				parts = append(parts, s)
			}
			continue
		}
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
			parts = append(parts, obj.Message)
			continue
		}
		if trimmed := strings.TrimSpace(string(raw)); trimmed != "" && trimmed != "null" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, "; ")
}
