package evolution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// call describes one logical operation for the dispatcher.
type call struct {
	op         string
	candidates []Candidate
	// build creates the request for a candidate, credentials included.
	build func(ctx context.Context, c Candidate) (*http.Request, error)
	// accept normalizes a response. A nil error is a definitive success,
	// a *ProviderError is a definitive failure, anything else is soft.
	accept func(resp *Response) error
	// onConflict runs on the first 409, after which the same candidate is
	// retried once.
	onConflict func(ctx context.Context) error
	// sessionAuth is set when requests carry the session credential rather
	// than an instance token.
	sessionAuth bool
}

type dispatcher struct {
	httpClient *http.Client
	session    *AuthSession
}

// dispatch tries the candidates strictly in order and stops at the first
// definitive success.
func (d *dispatcher) dispatch(ctx context.Context, c call) error {
	if len(c.candidates) == 0 {
		return fmt.Errorf("evolution: %s has no endpoint candidates", c.op)
	}
	exhausted := &ExhaustedError{Op: c.op}
	unauthorized := 0
	conflictHandled := false

	for i := 0; i < len(c.candidates); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		cand := c.candidates[i]
		last := i == len(c.candidates)-1
		start := time.Now()

		resp, err := d.send(ctx, c, cand)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			exhausted.record(cand.URL, 0, err)
			zap.L().Warn("evolution: candidate transport failure",
				zap.String("op", c.op),
				zap.String("candidate", redact(cand.URL)),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
			continue
		}
		if resp.Status == http.StatusUnauthorized {
			unauthorized++
		}

		if resp.Status == http.StatusConflict && c.onConflict != nil {
			if conflictHandled {
				zap.L().Warn("evolution: conflict persisted after retry",
					zap.String("op", c.op), zap.String("candidate", redact(cand.URL)))
				return fmt.Errorf("%w: %s", ErrProviderConflict, redact(cand.URL))
			}
			conflictHandled = true
			zap.L().Info("evolution: conflict, resolving before retry",
				zap.String("op", c.op), zap.String("candidate", redact(cand.URL)))
			if err := c.onConflict(ctx); err != nil {
				zap.L().Warn("evolution: conflict resolution failed", zap.String("op", c.op), zap.Error(err))
			}
			// retry the same candidate
			i--
			continue
		}

		err = c.accept(resp)
		var perr *ProviderError
		switch {
		case err == nil:
			zap.L().Debug("evolution: candidate succeeded",
				zap.String("op", c.op),
				zap.String("candidate", redact(cand.URL)),
				zap.Int("status", resp.Status),
				zap.Int("attempt", i+1),
				zap.Duration("elapsed", time.Since(start)))
			return nil
		case errors.As(err, &perr):
			exhausted.record(cand.URL, resp.Status, err)
			zap.L().Info("evolution: candidate provider error",
				zap.String("op", c.op),
				zap.String("candidate", redact(cand.URL)),
				zap.Int("status", resp.Status),
				zap.String("message", perr.Message))
			if last {
				d.afterFailure(c, unauthorized)
				return perr
			}
		default:
			exhausted.record(cand.URL, resp.Status, err)
			zap.L().Info("evolution: candidate inconclusive",
				zap.String("op", c.op),
				zap.String("candidate", redact(cand.URL)),
				zap.Int("status", resp.Status),
				zap.Error(err))
		}
	}

	d.afterFailure(c, unauthorized)
	zap.L().Warn("evolution: all candidates exhausted",
		zap.String("op", c.op), zap.Int("attempts", len(exhausted.Attempts)))
	return exhausted
}

func (d *dispatcher) send(ctx context.Context, c call, cand Candidate) (*Response, error) {
	req, err := c.build(ctx, cand)
	if err != nil {
		return nil, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Response{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// afterFailure drops the cached credential after repeated 401s.
func (d *dispatcher) afterFailure(c call, unauthorized int) {
	if unauthorized >= 2 && c.sessionAuth && d.session != nil {
		d.session.Invalidate()
	}
}
