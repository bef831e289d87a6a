package sync

import (
	"errors"
	"net/http"

	"github.com/tonimelisma/moodsync/internal/api"
	"github.com/tonimelisma/moodsync/internal/session"
)

// uploadAction is what the Engine does with a record after one attempt.
type uploadAction int

const (
	actionSynced uploadAction = iota // 2xx: mark synced, continue
	actionDrop                       // 4xx: mark dropped, continue
	actionRetry                      // transport/5xx: stop, retry next run
	actionLogin                      // session unrecoverable: stop, needs login
)

func (a uploadAction) String() string {
	switch a {
	case actionSynced:
		return "synced"
	case actionDrop:
		return "drop"
	case actionRetry:
		return "retry"
	case actionLogin:
		return "login"
	default:
		return "unknown"
	}
}

// classifyUpload maps an upload error to the Engine's action. Every 4xx
// response drops the record, including 408, 429 and a 401 that survived a
// successful refresh; only a session that cannot be recovered pauses the
// queue. Anything without a 4xx status is retried.
func classifyUpload(err error) uploadAction {
	switch {
	case err == nil:
		return actionSynced
	case errors.Is(err, session.ErrUnauthenticated):
		return actionLogin
	case isClientError(api.StatusCode(err)):
		return actionDrop
	default:
		return actionRetry
	}
}

func isClientError(status int) bool {
	return status >= http.StatusBadRequest && status < http.StatusInternalServerError
}
