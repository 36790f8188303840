package scrape

import (
	"net/url"
	"strings"
)

// DefaultFormats is applied when a request names no formats.
var DefaultFormats = []Format{FormatMarkdown}

// ValidFormat reports whether f is a supported output format.
func ValidFormat(f Format) bool {
	switch f {
	case FormatMarkdown, FormatHTML, FormatRawHTML, FormatScreenshot, FormatJSON:
		return true
	default:
		return false
	}
}

// Limits bounds the numeric options accepted on run creation.
type Limits struct {
	MaxTimeoutMs int
}

// Normalize validates params and returns a canonical copy: trimmed URL,
// de-duplicated formats in request order, defaults applied.
func Normalize(params Params, limits Limits) (Params, error) {
	out := params
	out.URL = strings.TrimSpace(params.URL)
	if out.URL == "" {
		return Params{}, &ValidationError{Field: "url", Message: "is required"}
	}
	u, err := url.Parse(out.URL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return Params{}, &ValidationError{Field: "url", Message: "must be an absolute URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Params{}, &ValidationError{Field: "url", Message: "scheme must be http or https"}
	}

	formats, err := normalizeFormats(params.Formats)
	if err != nil {
		return Params{}, err
	}
	out.Formats = formats

	opts := params.Options
	if opts.TimeoutMs != nil {
		if *opts.TimeoutMs <= 0 {
			return Params{}, &ValidationError{Field: "options.timeout", Message: "must be positive"}
		}
		if limits.MaxTimeoutMs > 0 && *opts.TimeoutMs > limits.MaxTimeoutMs {
			return Params{}, &ValidationError{Field: "options.timeout", Message: "exceeds maximum"}
		}
	}
	if opts.WaitForMs != nil && *opts.WaitForMs < 0 {
		return Params{}, &ValidationError{Field: "options.waitFor", Message: "must not be negative"}
	}
	if opts.MaxAgeMs != nil && *opts.MaxAgeMs < 0 {
		return Params{}, &ValidationError{Field: "options.maxAge", Message: "must not be negative"}
	}
	out.Options = opts
	return out, nil
}

func normalizeFormats(in []Format) ([]Format, error) {
	if len(in) == 0 {
		return append([]Format(nil), DefaultFormats...), nil
	}
	seen := make(map[Format]struct{}, len(in))
	out := make([]Format, 0, len(in))
	for _, f := range in {
		if !ValidFormat(f) {
			return nil, &ValidationError{Field: "formats", Message: "unsupported format " + string(f)}
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out, nil
}

// HasFormat reports whether formats contains f.
func HasFormat(formats []Format, f Format) bool {
	for _, candidate := range formats {
		if candidate == f {
			return true
		}
	}
	return false
}

// FilterResult drops any representation that was not requested.
// Metadata, links and archive URI are ancillary and always kept.
func FilterResult(result Result, formats []Format) Result {
	out := Result{
		Metadata:   result.Metadata,
		Links:      result.Links,
		ArchiveURI: result.ArchiveURI,
	}
	if HasFormat(formats, FormatMarkdown) {
		out.Markdown = result.Markdown
	}
	if HasFormat(formats, FormatHTML) {
		out.HTML = result.HTML
	}
	if HasFormat(formats, FormatRawHTML) {
		out.RawHTML = result.RawHTML
	}
	if HasFormat(formats, FormatScreenshot) {
		out.Screenshot = result.Screenshot
	}
	if HasFormat(formats, FormatJSON) {
		out.JSON = result.JSON
	}
	return out
}
