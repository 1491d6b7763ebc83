package server

import (
	"context"

	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/ValentinKolb/dGrid/lib/grid"
	"github.com/ValentinKolb/dGrid/lib/security"
	lt "github.com/ValentinKolb/dGrid/lib/transport"
)

// NewClientAdapter returns the handler for the client channel of node.
// Clients may read and write single keys, query the view and ask for a
// cluster shutdown; every request runs as subject when one is given.
func NewClientAdapter(node *grid.Node, subject string) lt.Handler {
	var sub *security.Subject
	if subject != "" {
		sub = security.NewSubject(subject)
	}

	return func(ctx context.Context, req *lt.Message) *lt.Message {
		if sub != nil {
			ctx = security.WithSubject(ctx, sub)
		}

		switch req.MsgType {
		case lt.MsgTPing, lt.MsgTKVGet, lt.MsgTKVPut, lt.MsgTKVRemove, lt.MsgTClusterView:
			return node.Handle(ctx, req)
		case lt.MsgTShutdown:
			if err := node.Shutdown(ctx); err != nil {
				return lt.NewErrorResponse(req.MsgType, err)
			}
			return lt.NewResponse(lt.MsgTShutdown)
		default:
			return lt.NewErrorResponse(req.MsgType,
				errs.Newf(errs.RetCInvalidOperation, "%s is not a client operation", req.MsgType))
		}
	}
}
