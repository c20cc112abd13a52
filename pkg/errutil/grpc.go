package errutil

import (
	"context"
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var grpcCodes = map[CoreStatus]codes.Code{
	StatusBadRequest:           codes.InvalidArgument,
	StatusValidationFailed:     codes.InvalidArgument,
	StatusUnsupportedMediaType: codes.InvalidArgument,
	StatusUnauthorized:         codes.Unauthenticated,
	StatusForbidden:            codes.PermissionDenied,
	StatusNotFound:             codes.NotFound,
	// account writes that ran out of optimistic retries; the call can be repeated
	StatusConflict: codes.Aborted,
	// business rejections such as insufficient points or an ineligible reward
	StatusUnprocessableEntity: codes.FailedPrecondition,
	StatusTooManyRequests:     codes.ResourceExhausted,
	StatusClientClosedRequest: codes.Canceled,
	StatusTimeout:             codes.DeadlineExceeded,
	StatusGatewayTimeout:      codes.DeadlineExceeded,
	StatusNotImplemented:      codes.Unimplemented,
	StatusBadGateway:          codes.Unavailable,
	StatusServiceUnavailable:  codes.Unavailable,
	StatusInternal:            codes.Internal,
}

func (s CoreStatus) GRPCCode() codes.Code {
	if c, ok := grpcCodes[s]; ok {
		return c
	}
	return codes.Unknown
}

// ToGRPCError converts err into a status error. Field details of a BaseError
// are sent as a BadRequest detail; the wrapped cause stays on the server.
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	var base BaseError
	if !errors.As(err, &base) {
		return status.Error(codes.Internal, "internal error")
	}

	st := status.New(base.Code.GRPCCode(), base.Message)
	if len(base.Details) == 0 {
		return st.Err()
	}

	violations := make([]*errdetails.BadRequest_FieldViolation, 0, len(base.Details))
	for _, d := range base.Details {
		violations = append(violations, &errdetails.BadRequest_FieldViolation{Field: d.Field, Description: d.Message})
	}
	if detailed, derr := st.WithDetails(&errdetails.BadRequest{FieldViolations: violations}); derr == nil {
		st = detailed
	}
	return st.Err()
}
