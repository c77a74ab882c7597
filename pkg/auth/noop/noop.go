// Package noop accepts every request as the anonymous principal. It backs
// the "none" auth type.
package noop

import (
	"context"
	"net/http"

	"github.com/rhuss/chatrelay/pkg/auth"
)

type Authenticator struct{}

func (Authenticator) Authenticate(_ context.Context, _ *http.Request) auth.Result {
	return auth.Result{Decision: auth.Accept, Principal: auth.Anonymous()}
}
