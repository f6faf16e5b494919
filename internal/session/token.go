package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"mindhaven/internal/logging"
	"mindhaven/internal/metrics"
	"mindhaven/pkg/interfaces"
	"mindhaven/pkg/types"
)

// TokenSource is the only path that requests call tokens.
// ARCHITECTURAL DISCOVERY: concurrent acquisitions for one appointment share a
// single REST call no matter which controller issued them; the shared call runs
// detached from any single caller's cancellation and is bounded by timeout
type TokenSource struct {
	api     interfaces.CallAPI
	timeout time.Duration
	group   singleflight.Group
	logger  zerolog.Logger
}

// NewTokenSource creates a token source; timeout bounds each REST call.
func NewTokenSource(api interfaces.CallAPI, timeout time.Duration) *TokenSource {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &TokenSource{
		api:     api,
		timeout: timeout,
		logger:  logging.WithComponent("token_source"),
	}
}

// Acquire returns a token grant for appointmentID. A caller whose ctx is done
// stops waiting; the shared fetch continues for the other waiters.
func (ts *TokenSource) Acquire(ctx context.Context, appointmentID types.ID) (*types.TokenGrant, error) {
	key := appointmentID.String()
	ch := ts.group.DoChan(key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ts.timeout)
		defer cancel()

		grant, err := ts.api.CallToken(fetchCtx, appointmentID)
		if err != nil {
			metrics.TokenFetches.WithLabelValues("error").Inc()
			return nil, err
		}
		if grant == nil || grant.Token == "" {
			metrics.TokenFetches.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("%w: empty token in response", types.ErrRequestFailed)
		}
		metrics.TokenFetches.WithLabelValues("success").Inc()
		return grant, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			ts.logger.Debug().Str("appointment_id", key).Msg("token fetch shared with concurrent caller")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		grant := *res.Val.(*types.TokenGrant)
		return &grant, nil
	}
}

// Forget drops the in-flight entry for appointmentID so the next Acquire
// starts a fresh fetch.
func (ts *TokenSource) Forget(appointmentID types.ID) {
	ts.group.Forget(appointmentID.String())
}
