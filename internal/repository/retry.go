package repository

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/wait"
)

// DefaultBackoff bounds retries around mutating gateway calls
var DefaultBackoff = wait.Backoff{
	Duration: 100 * time.Millisecond,
	Factor:   3,
	Steps:    6,
}

// Retry runs fn, retrying transient failures with exponential backoff.
// Non-transient errors return immediately; once the retry budget is
// exhausted the last observed error is returned.
func Retry(ctx context.Context, backoff wait.Backoff, fn func(ctx context.Context) error) error {
	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		lastErr = fn(ctx)
		switch {
		case lastErr == nil:
			return true, nil
		case IsTransient(lastErr):
			return false, nil
		default:
			return false, lastErr
		}
	})
	if wait.Interrupted(err) && lastErr != nil {
		return lastErr
	}
	return err
}

// IsTransient classifies errors worth retrying: API server pressure,
// throttling and timeouts from either the Kubernetes or the ARM side.
func IsTransient(err error) bool {
	if apierrors.IsInternalError(err) || apierrors.IsTimeout(err) ||
		apierrors.IsServerTimeout(err) || apierrors.IsTooManyRequests(err) {
		return true
	}
	if _, shouldDelay := apierrors.SuggestsClientDelay(err); shouldDelay {
		return true
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if respErr.StatusCode == http.StatusRequestTimeout || respErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return respErr.StatusCode >= http.StatusInternalServerError
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}
