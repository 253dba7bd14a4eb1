// Package pluggable is the seam between the state-store core and the
// sidecar's gRPC wire protocol. The protocol itself - message framing,
// the generated service stub, the Unix domain socket transport - is
// supplied by the sidecar SDK and is out of this repository's scope
// (spec §1); what lives here is the thin translation from this core's
// Go-shaped requests/responses and classified errors into what such a
// stub would hand back over the wire.
//
// Grounded on the teacher's lib/auth/grpcserver.go, which performs the
// same job with trace/trail.ToGRPC at every RPC method; this package's
// toStatus is this repo's equivalent, extended with the field-violation
// detail spec §7 requires for MissingTenant.
package pluggable

import (
	"github.com/gravitational/trace/trail"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/outpost-components/pg-statestore/internal/staterrors"
)

// toStatus translates a classified core error into the gRPC status the
// spec's error-handling table (§7) describes. nil in, nil out.
func toStatus(err error) error {
	if err == nil {
		return nil
	}

	switch staterrors.KindOf(err) {
	case staterrors.KindMissingTenant:
		st := status.New(codes.FailedPrecondition, err.Error())
		if withDetails, detailErr := st.WithDetails(&errdetails.PreconditionFailure{
			Violations: []*errdetails.PreconditionFailure_Violation{{
				Type:        "MISSING_TENANT",
				Subject:     staterrors.FieldOf(err),
				Description: "tenant routing is configured but metadata.tenantId was not supplied",
			}},
		}); detailErr == nil {
			st = withDetails
		}
		return st.Err()

	case staterrors.KindEtagInvalid:
		return status.New(codes.FailedPrecondition, "EtagInvalid: "+err.Error()).Err()

	case staterrors.KindEtagMismatch:
		return status.New(codes.FailedPrecondition, "EtagMismatch: "+err.Error()).Err()

	case staterrors.KindConfig:
		return status.New(codes.InvalidArgument, err.Error()).Err()

	case staterrors.KindTransport:
		return status.New(codes.Unavailable, err.Error()).Err()

	case staterrors.KindTableMissing:
		// Should never reach here: the service layer swallows
		// TableMissing before it gets to this boundary. Treated as
		// not-found rather than panicking, in case a future code path
		// forgets to swallow it.
		return status.New(codes.NotFound, err.Error()).Err()

	default:
		// Anything unclassified falls back to the teacher's generic
		// trace-kind-to-grpc-code mapping.
		return trail.ToGRPC(err)
	}
}
