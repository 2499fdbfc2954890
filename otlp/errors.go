package otlp

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// OTLPError is an error that knows how to present itself to both HTTP and
// gRPC clients.
type OTLPError struct {
	Message        string
	HTTPStatusCode int
	GRPCStatusCode codes.Code
}

var (
	ErrUnsupportedEncoding = OTLPError{Message: "unsupported encoding", HTTPStatusCode: http.StatusBadRequest, GRPCStatusCode: codes.InvalidArgument}
	ErrInvalidArgument     = OTLPError{Message: "invalid argument", HTTPStatusCode: http.StatusBadRequest, GRPCStatusCode: codes.InvalidArgument}
	ErrInvalidContentType  = OTLPError{Message: "unsupported content-type, valid types are: " + strings.Join(GetSupportedContentTypes(), ", "), HTTPStatusCode: http.StatusUnsupportedMediaType, GRPCStatusCode: codes.Unimplemented}
	ErrFailedParseBody     = OTLPError{Message: "failed to parse OTLP request body", HTTPStatusCode: http.StatusBadRequest, GRPCStatusCode: codes.Internal}
	ErrMissingAuthHeader   = OTLPError{Message: "missing or invalid 'authorization' header", HTTPStatusCode: http.StatusUnauthorized, GRPCStatusCode: codes.Unauthenticated}
)

func (e OTLPError) Error() string {
	return e.Message
}

// AsJson renders err as the JSON body returned to OTLP/HTTP JSON clients.
func AsJson(e error) string {
	body, err := json.Marshal(map[string]string{"message": e.Error()})
	if err != nil {
		return fmt.Sprintf(`{"message":%q}`, e.Error())
	}
	return string(body)
}

// AsGRPCError converts err into a gRPC status error. Errors that do not wrap
// an OTLPError are reported as Internal.
func AsGRPCError(e error) error {
	var otlpErr OTLPError
	if errors.As(e, &otlpErr) {
		return status.Error(otlpErr.GRPCStatusCode, e.Error())
	}
	return status.Error(codes.Internal, e.Error())
}

// HTTPStatusCode returns the HTTP status that best describes err.
func HTTPStatusCode(e error) int {
	var otlpErr OTLPError
	if errors.As(e, &otlpErr) {
		return otlpErr.HTTPStatusCode
	}
	return http.StatusInternalServerError
}

// Use json-iterator for better performance
var json = jsoniter.ConfigCompatibleWithStandardLibrary
