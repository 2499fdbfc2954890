package otlp

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestErrorsReturnJson(t *testing.T) {
	err := OTLPError{Message: "test-message"}
	assert.Equal(t, `{"message":"test-message"}`, AsJson(err))
}

func TestErrorsReturnJsonEscapesQuotes(t *testing.T) {
	err := OTLPError{Message: `bad "value"`}
	assert.Equal(t, `{"message":"bad \"value\""}`, AsJson(err))
}

func TestAsGRPCError(t *testing.T) {
	err := OTLPError{Message: "otlp-error", GRPCStatusCode: codes.InvalidArgument}
	assert.Equal(t, "rpc error: code = InvalidArgument desc = otlp-error", AsGRPCError(err).Error())
}

func TestWrappedOTLPErrorAsGRPCError(t *testing.T) {
	err := fmt.Errorf("attribute %q: %w", "blob", ErrUnsupportedEncoding)
	assert.Equal(t, `rpc error: code = InvalidArgument desc = attribute "blob": unsupported encoding`, AsGRPCError(err).Error())
	assert.True(t, errors.Is(err, ErrUnsupportedEncoding))
	assert.False(t, errors.Is(err, ErrInvalidArgument))
}

func TestNonOTLPErrorAsGRPCError(t *testing.T) {
	err := errors.New("base-error")
	assert.Equal(t, "rpc error: code = Internal desc = base-error", AsGRPCError(err).Error())
}

func TestHTTPStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusUnsupportedMediaType, HTTPStatusCode(ErrInvalidContentType))
	assert.Equal(t, http.StatusBadRequest, HTTPStatusCode(fmt.Errorf("wrapped: %w", ErrInvalidArgument)))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusCode(errors.New("boom")))
}
