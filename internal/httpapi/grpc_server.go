package httpapi

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"pipecrm.org/internal/auth"
)

// NewHealthServer returns the standard gRPC health service, pre-marked
// serving for the API service name.
func NewHealthServer() *health.Server {
	srv := health.NewServer()
	srv.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_SERVING)
	srv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	return srv
}

// RegisterGRPC attaches the health service to the given server.
func RegisterGRPC(s *grpc.Server, hs *health.Server) {
	grpc_health_v1.RegisterHealthServer(s, hs)
}

// UnaryAuthInterceptor verifies a bearer token carried in the authorization
// metadata. Health checks stay open so probes work without credentials.
func UnaryAuthInterceptor(issuer *auth.Issuer, blacklist TokenBlacklist) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		values := md.Get("authorization")
		if len(values) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		token, err := extractBearerToken(values[0])
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		claims, err := issuer.VerifyAccess(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		revoked, err := blacklist.IsBlacklisted(ctx, claims.Subject, token)
		if err != nil {
			return nil, status.Error(codes.Unavailable, "authentication unavailable")
		}
		if revoked {
			return nil, status.Error(codes.PermissionDenied, "token revoked")
		}

		return handler(auth.ContextWithToken(ctx, token), req)
	}
}
