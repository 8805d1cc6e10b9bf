package rpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/edge-orchestrator/internal/placement"
	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

// ToStatus maps an orchestrator error to a gRPC status error.
//
//	ErrNotFound            -> NotFound
//	ErrConcurrencyConflict -> Aborted
//	ErrValidation          -> InvalidArgument
//	ErrUnauthorized        -> Unauthenticated
//	ErrReconcileInProgress -> Unavailable
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := codes.Internal
	switch {
	case errors.Is(err, types.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, types.ErrConcurrencyConflict):
		code = codes.Aborted
	case errors.Is(err, types.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, types.ErrUnauthorized):
		code = codes.Unauthenticated
	case errors.Is(err, placement.ErrReconcileInProgress):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

// FromStatus maps a gRPC status error back to the orchestrator error taxonomy
// so callers can keep using errors.Is.
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || err == nil {
		return err
	}

	var sentinel error
	switch st.Code() {
	case codes.NotFound:
		sentinel = types.ErrNotFound
	case codes.Aborted:
		sentinel = types.ErrConcurrencyConflict
	case codes.InvalidArgument:
		sentinel = types.ErrValidation
	case codes.Unauthenticated:
		sentinel = types.ErrUnauthorized
	case codes.Unavailable:
		if st.Message() == placement.ErrReconcileInProgress.Error() {
			return placement.ErrReconcileInProgress
		}
		return err
	case codes.Canceled:
		sentinel = context.Canceled
	case codes.DeadlineExceeded:
		sentinel = context.DeadlineExceeded
	default:
		return err
	}
	return fmt.Errorf("rpc: %s: %w", st.Message(), sentinel)
}
