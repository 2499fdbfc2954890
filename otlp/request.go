package otlp

import (
	"bytes"
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

const (
	authorizationHeader      = "authorization"
	userAgentHeader          = "user-agent"
	contentTypeHeader        = "content-type"
	contentEncodingHeader    = "content-encoding"
	gRPCAcceptEncodingHeader = "grpc-accept-encoding"
	bearerPrefix             = "Bearer "

	// DefaultMaxRequestBodySize caps decompressed HTTP bodies.
	DefaultMaxRequestBodySize = 20 * 1024 * 1024
)

var (
	// Incoming OpenTelemetry HTTP Content-Types (e.g. "application/protobuf") we support
	supportedContentTypes = []string{
		"application/protobuf",
		"application/x-protobuf",
		"application/json",
	}
	// Incoming Content-Encodings we support. "" included as a stand in for "not given, assume uncompressed"
	supportedContentEncodings = []string{"", "gzip", "zstd"}

	jsonUnmarshaler = protojson.UnmarshalOptions{DiscardUnknown: true}
)

// List of HTTP Content Types supported for OTLP ingest.
func GetSupportedContentTypes() []string {
	return supportedContentTypes
}

// Check whether we support a given HTTP Content Type for OTLP.
func IsContentTypeSupported(contentType string) bool {
	return slices.Contains(supportedContentTypes, contentType)
}

// List of HTTP Content Encodings supported for OTLP ingest.
func GetSupportedContentEncodings() []string {
	return supportedContentEncodings
}

// RequestInfo represents information parsed from either HTTP headers or gRPC metadata
type RequestInfo struct {
	AuthToken string

	UserAgent          string
	ContentType        string
	ContentEncoding    string
	GRPCAcceptEncoding string

	// MaxBodySize limits the decompressed body; zero means
	// DefaultMaxRequestBodySize.
	MaxBodySize int64
}

func (ri RequestInfo) maxBodySize() int64 {
	if ri.MaxBodySize > 0 {
		return ri.MaxBodySize
	}
	return DefaultMaxRequestBodySize
}

// ValidateHeaders checks the request can be decoded at all.
func (ri *RequestInfo) ValidateHeaders() error {
	if !IsContentTypeSupported(ri.ContentType) {
		return ErrInvalidContentType
	}
	return nil
}

// Authenticate compares the request's bearer token against token. An empty
// token disables authentication.
func (ri *RequestInfo) Authenticate(token string) error {
	if token == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(ri.AuthToken), []byte(token)) != 1 {
		return ErrMissingAuthHeader
	}
	return nil
}

// GetRequestInfoFromGrpcMetadata parses relevant gRPC metadata from an incoming request context
func GetRequestInfoFromGrpcMetadata(ctx context.Context) RequestInfo {
	ri := RequestInfo{
		ContentType: "application/protobuf",
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		ri.AuthToken = bearerToken(getValueFromMetadata(md, authorizationHeader))
		ri.UserAgent = getValueFromMetadata(md, userAgentHeader)
		ri.ContentEncoding = getValueFromMetadata(md, contentEncodingHeader)
		ri.GRPCAcceptEncoding = getValueFromMetadata(md, gRPCAcceptEncodingHeader)
	}
	return ri
}

// GetRequestInfoFromHttpHeaders parses relevant incoming HTTP headers
func GetRequestInfoFromHttpHeaders(header http.Header) RequestInfo {
	return RequestInfo{
		AuthToken:          bearerToken(header.Get(authorizationHeader)),
		UserAgent:          header.Get(userAgentHeader),
		ContentType:        mediaType(header.Get(contentTypeHeader)),
		ContentEncoding:    header.Get(contentEncodingHeader),
		GRPCAcceptEncoding: header.Get(gRPCAcceptEncodingHeader),
	}
}

func getValueFromMetadata(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func bearerToken(header string) string {
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return header[len(bearerPrefix):]
	}
	return header
}

// mediaType drops parameters such as "; charset=utf-8"
func mediaType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.TrimSpace(strings.ToLower(contentType))
}

// parseOtlpRequestBody reads, decompresses and unmarshals body into request.
// Bodies larger than maxSize once decompressed are rejected.
func parseOtlpRequestBody(body io.ReadCloser, contentType string, contentEncoding string, request proto.Message, maxSize int64) error {
	defer body.Close()
	bodyBytes, err := io.ReadAll(io.LimitReader(body, maxSize+1))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailedParseBody, err)
	}
	bodyReader := bytes.NewReader(bodyBytes)

	var reader io.Reader
	switch contentEncoding {
	case "gzip":
		gzipReader, err := gzip.NewReader(bodyReader)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFailedParseBody, err)
		}
		defer gzipReader.Close()
		reader = gzipReader
	case "zstd":
		zstdReader, err := zstd.NewReader(bodyReader)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFailedParseBody, err)
		}
		defer zstdReader.Close()
		reader = zstdReader
	case "", "identity":
		reader = bodyReader
	default:
		return fmt.Errorf("%w: unsupported content-encoding %q", ErrFailedParseBody, contentEncoding)
	}

	raw, err := io.ReadAll(io.LimitReader(reader, maxSize+1))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailedParseBody, err)
	}
	if int64(len(raw)) > maxSize {
		return fmt.Errorf("%w: body exceeds %d bytes", ErrFailedParseBody, maxSize)
	}

	switch contentType {
	case "application/protobuf", "application/x-protobuf":
		err = proto.Unmarshal(raw, request)
	case "application/json":
		err = jsonUnmarshaler.Unmarshal(raw, request)
	default:
		return ErrInvalidContentType
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailedParseBody, err)
	}
	return nil
}
