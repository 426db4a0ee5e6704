package llm

import (
	"context"
	"errors"
	"net"
	"strings"

	"google.golang.org/api/googleapi"

	"github.com/jmalik/finsights/internal/jobs"
)

// Classify maps a backend failure to the job error taxonomy. The resulting
// kind drives the short user-facing message; the raw error text stays
// server-side.
func Classify(err error) jobs.ErrorKind {
	if err == nil {
		return jobs.ErrorKindNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return jobs.ErrorKindTimeout
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 429:
			if strings.Contains(strings.ToLower(apiErr.Message), "quota") {
				return jobs.ErrorKindQuotaExceeded
			}
			return jobs.ErrorKindRateLimited
		case 401, 403:
			return jobs.ErrorKindAuthFailure
		case 500, 502, 503, 504:
			return jobs.ErrorKindNetwork
		default:
			return jobs.ErrorKindStage
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return jobs.ErrorKindNetwork
	}

	return jobs.ErrorKindUnknown
}
