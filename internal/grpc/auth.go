package grpc

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	serviceTokenHeader = "x-service-token"
	actorHeader        = "x-actor"
	defaultActor       = "service"
)

// NewServiceAuthUnaryInterceptor admits calls carrying the shared gateway
// token in x-service-token metadata.
func NewServiceAuthUnaryInterceptor(expectedToken string) (grpc.UnaryServerInterceptor, error) {
	if expectedToken == "" {
		return nil, errors.New("service auth token required")
	}
	expected := []byte(expectedToken)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		token := firstMetadata(ctx, serviceTokenHeader)
		switch {
		case token == "":
			return nil, status.Error(codes.Unauthenticated, "missing_service_token")
		case subtle.ConstantTimeCompare([]byte(token), expected) != 1:
			return nil, status.Error(codes.PermissionDenied, "invalid_service_token")
		}
		return handler(ctx, req)
	}, nil
}

// actorFromContext names who acted on an incident. Gateways forward the
// operator in x-actor; without it the call is attributed to the service.
func actorFromContext(ctx context.Context) string {
	if actor := firstMetadata(ctx, actorHeader); actor != "" {
		return actor
	}
	return defaultActor
}

func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}
