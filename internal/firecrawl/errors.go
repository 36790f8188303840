package firecrawl

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/firescrape/internal/scrape"
)

// APIError is a structured rejection returned by Firecrawl.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("firecrawl %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("firecrawl %d: %s", e.Status, e.Message)
}

// Classify maps any scrape error to the message and code recorded on the run.
// Upstream rejections keep their code (UNKNOWN_ERROR when absent); everything
// else is a PROCESSING_ERROR.
func Classify(err error) (message, code string) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		code = apiErr.Code
		if code == "" {
			code = scrape.ErrorCodeUnknown
		}
		return apiErr.Message, code
	}
	if err == nil {
		return "unknown error", scrape.ErrorCodeProcessing
	}
	return err.Error(), scrape.ErrorCodeProcessing
}
