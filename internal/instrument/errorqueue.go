package instrument

import (
	"context"
	"strings"
)

// DefaultDrainLimit is the number of error-queue reads DrainErrorQueue makes
// when no limit is given.
const DefaultDrainLimit = 32

// Querier issues a command and returns the response.
type Querier interface {
	Query(ctx context.Context, cmd string) (string, error)
}

// IsNoError reports whether an error-queue response is the empty-queue
// sentinel: a leading "0" (as in `0,"No error"`) or any text containing
// "no error", ignoring case.
func IsNoError(resp string) bool {
	r := strings.TrimSpace(resp)
	return strings.HasPrefix(r, "0") || strings.Contains(strings.ToLower(r), "no error")
}

// DrainErrorQueue repeatedly sends query until the instrument reports an
// empty queue, returning the non-empty entries in the order read. At most
// limit reads are made; if the sentinel was not seen by then the entries
// collected so far are returned with ErrQueueNotDrained.
func DrainErrorQueue(ctx context.Context, q Querier, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = DefaultDrainLimit
	}
	var errs []string
	for i := 0; i < limit; i++ {
		resp, err := q.Query(ctx, query)
		if err != nil {
			return errs, err
		}
		if IsNoError(resp) {
			return errs, nil
		}
		if resp != "" {
			errs = append(errs, resp)
		}
	}
	logf("error queue still reporting after %d reads of %q", limit, query)
	return errs, ErrQueueNotDrained
}

// ParseBool interprets an instrument state response: "ON" or "1" in any
// case is true, anything else is false.
func ParseBool(resp string) bool {
	r := strings.TrimSpace(resp)
	return strings.EqualFold(r, "ON") || r == "1"
}
