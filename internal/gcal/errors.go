package gcal

import (
	"errors"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/SwitchbackTech/compass-sub004/internal/syncerr"
)

// classify maps a provider error onto a syncerr kind. fallback is used for
// anything not recognised.
func classify(op string, err error, fallback syncerr.Kind) error {
	if err == nil {
		return nil
	}
	if revoked(err) {
		return syncerr.New(syncerr.KindAccessRevoked, op, err)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusGone:
			return syncerr.New(syncerr.KindInvalidToken, op, err)
		case http.StatusUnauthorized:
			return syncerr.New(syncerr.KindAccessRevoked, op, err)
		}
	}
	return syncerr.New(fallback, op, err)
}

// revoked reports an OAuth refresh rejected with invalid_grant, which is how
// a withdrawn authorization surfaces.
func revoked(err error) bool {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return rerr.ErrorCode == "invalid_grant"
	}
	return false
}

func statusCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}
