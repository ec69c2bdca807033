package coordinator

import (
	"encoding/json"

	"github.com/basket/go-analyst/internal/capability"
)

// nextRetry builds the regeneration context for the attempt after last. The
// capability receives the previous failure and the SQL it produced, if any,
// so the next invocation is regenerated rather than resent verbatim.
func nextRetry(last Attempt) *capability.Retry {
	return &capability.Retry{
		Attempt:         last.Number + 1,
		PreviousFailure: last.Result.Message(),
		PreviousInput:   previousSQL(last.Result.Payload),
	}
}

func previousSQL(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var p struct {
		SQL string `json:"sql"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return p.SQL
}
