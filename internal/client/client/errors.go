package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var (
	ErrUnavailable  = errors.New("server unavailable")
	ErrUnauthorized = errors.New("unauthorized")
)

// errorCodeTrailer carries the backend-specific error code, if any.
const errorCodeTrailer = "error-code"

// BackendError is a failed identity backend call. It exposes an HTTP-style
// status and the backend code so that autherr can classify it.
type BackendError struct {
	GRPCCode codes.Code
	Status   int
	Code     string
	Message  string
}

func (e *BackendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("identity backend: %s (code %s)", e.Message, e.Code)
	}
	return "identity backend: " + e.Message
}

func (e *BackendError) StatusCode() int     { return e.Status }
func (e *BackendError) BackendCode() string { return e.Code }

func (e *BackendError) Unwrap() error {
	switch e.GRPCCode {
	case codes.Unavailable, codes.DeadlineExceeded:
		return ErrUnavailable
	case codes.Unauthenticated, codes.PermissionDenied:
		return ErrUnauthorized
	}
	return nil
}

var httpStatus = map[codes.Code]int{
	codes.InvalidArgument:    http.StatusUnprocessableEntity,
	codes.Unauthenticated:    http.StatusUnauthorized,
	codes.PermissionDenied:   http.StatusForbidden,
	codes.NotFound:           http.StatusNotFound,
	codes.AlreadyExists:      http.StatusConflict,
	codes.ResourceExhausted:  http.StatusTooManyRequests,
	codes.Unavailable:        http.StatusServiceUnavailable,
	codes.DeadlineExceeded:   http.StatusGatewayTimeout,
	codes.FailedPrecondition: http.StatusBadRequest,
	codes.Internal:           http.StatusInternalServerError,
}

func mapError(ctx context.Context, err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("rpc aborted: %w", ctxErr)
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("rpc error: %w", err)
	}

	be := &BackendError{
		GRPCCode: st.Code(),
		Status:   httpStatus[st.Code()],
		Message:  st.Message(),
	}
	if v := trailer.Get(errorCodeTrailer); len(v) > 0 {
		be.Code = v[0]
	}
	return be
}
