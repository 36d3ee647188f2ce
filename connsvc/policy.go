package connsvc

import (
	"context"

	"github.com/relayssh/connsvc/router"
)

// RegisterNoMoreSessions wires the "no-more-sessions@openssh.com" global
// request (OpenSSH PROTOCOL, not in RFC 4254 itself) into the service's
// own global router: once received, no further "session" channel opens
// are accepted for the lifetime of the connection.
func (s *Service) RegisterNoMoreSessions() {
	s.globalRouter.Add(router.HandlerFunc(func(ctx context.Context, req *router.Request) (router.Result, error) {
		if req.Name != "no-more-sessions@openssh.com" {
			return router.Unsupported, nil
		}
		s.SetAllowMoreSessions(false)
		return router.ReplySuccess, nil
	}))
}
