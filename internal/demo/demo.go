// Package demo wires the shipped scheduling example together: the concept
// registry the demo rules invoke and the guard table their manifests
// reference. The CLI and the scenario harness both assemble engines from
// it.
package demo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/weftworks/weft/internal/action"
	"github.com/weftworks/weft/internal/compiler"
	"github.com/weftworks/weft/internal/concept"
	"github.com/weftworks/weft/internal/rule"
	"github.com/weftworks/weft/internal/value"
)

// Concepts builds the demo concept registry: schedule, account and
// session always, ratings only when a Redis client is supplied. The
// returned registry is sealed.
func Concepts(redisClient *redis.Client, sessionOpts ...concept.SessionOption) (*concept.Registry, error) {
	reg := concept.NewRegistry()
	if err := reg.Register("schedule", concept.NewSchedule()); err != nil {
		return nil, err
	}
	if err := reg.Register("account", concept.NewAccount()); err != nil {
		return nil, err
	}
	if err := reg.Register("session", concept.NewSession(sessionOpts...)); err != nil {
		return nil, err
	}
	if redisClient != nil {
		if err := reg.Register("ratings", concept.NewRatings(redisClient)); err != nil {
			return nil, err
		}
	}
	reg.Seal()
	return reg, nil
}

// unauthorizedMessage is the reply every session guard gives when the
// presented session is missing, expired, or owned by someone else. One
// message for all cases; which check failed is not leaked.
const unauthorizedMessage = "Unauthorized: valid session required."

var sessionValidate = action.MakeRef("session", "validate")

// Guards returns the guard table the shipped manifests reference.
//
//	require_session        reads ?request ?session; drops the frame and
//	                       replies unauthorized unless the session is live
//	require_owner_session  additionally requires the session's user to
//	                       equal ?owner
//	session_user           like require_session, and binds ?user to the
//	                       session's user
func Guards() compiler.GuardTable {
	return compiler.GuardTable{
		"require_session": func(vars compiler.VarTable) (rule.GuardFunc, error) {
			reqVar, err := vars.Need("request")
			if err != nil {
				return nil, err
			}
			sessionVar, err := vars.Need("session")
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context, g rule.GuardAPI, f rule.Frame) ([]rule.Frame, error) {
				if _, ok := liveSessionUser(ctx, g, f, sessionVar); !ok {
					return nil, respondUnauthorized(ctx, g, f, reqVar)
				}
				return []rule.Frame{f}, nil
			}, nil
		},

		"require_owner_session": func(vars compiler.VarTable) (rule.GuardFunc, error) {
			reqVar, err := vars.Need("request")
			if err != nil {
				return nil, err
			}
			sessionVar, err := vars.Need("session")
			if err != nil {
				return nil, err
			}
			ownerVar, err := vars.Need("owner")
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context, g rule.GuardAPI, f rule.Frame) ([]rule.Frame, error) {
				user, ok := liveSessionUser(ctx, g, f, sessionVar)
				if !ok {
					return nil, respondUnauthorized(ctx, g, f, reqVar)
				}
				owner, ok := f.Bound(ownerVar)
				if !ok || !value.Equal(owner, value.String(user)) {
					return nil, respondUnauthorized(ctx, g, f, reqVar)
				}
				return []rule.Frame{f}, nil
			}, nil
		},

		"session_user": func(vars compiler.VarTable) (rule.GuardFunc, error) {
			reqVar, err := vars.Need("request")
			if err != nil {
				return nil, err
			}
			sessionVar, err := vars.Need("session")
			if err != nil {
				return nil, err
			}
			userVar, err := vars.Need("user")
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context, g rule.GuardAPI, f rule.Frame) ([]rule.Frame, error) {
				user, ok := liveSessionUser(ctx, g, f, sessionVar)
				if !ok {
					return nil, respondUnauthorized(ctx, g, f, reqVar)
				}
				extended, ok := f.Extend(userVar, value.String(user))
				if !ok {
					// ?user was already bound to someone else.
					return nil, respondUnauthorized(ctx, g, f, reqVar)
				}
				return []rule.Frame{extended}, nil
			}, nil
		},
	}
}

// liveSessionUser checks the frame's session against the session concept
// and returns the user it belongs to. The validate call is an action like
// any other, so it lands in the log.
func liveSessionUser(ctx context.Context, g rule.GuardAPI, f rule.Frame, sessionVar rule.Var) (string, bool) {
	token, ok := f.Bound(sessionVar)
	if !ok {
		return "", false
	}
	out, err := g.Invoke(ctx, sessionValidate, value.Object{"session": token})
	if err != nil {
		return "", false
	}
	if _, failed := out["error"]; failed {
		return "", false
	}
	user, ok := out["user"].(value.String)
	if !ok {
		return "", false
	}
	return string(user), true
}

// respondUnauthorized settles the frame's request with the uniform
// unauthorized reply. Responding consumes the frame, so callers return
// nil frames alongside.
func respondUnauthorized(ctx context.Context, g rule.GuardAPI, f rule.Frame, reqVar rule.Var) error {
	requestID, ok := f.Bound(reqVar)
	if !ok {
		return fmt.Errorf("unauthorized frame carries no request id")
	}
	id, ok := requestID.(value.String)
	if !ok {
		return fmt.Errorf("request id is %T, want string", requestID)
	}
	return g.Respond(ctx, string(id), value.Object{
		"error": value.String(unauthorizedMessage),
	})
}
