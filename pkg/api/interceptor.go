package api

import (
	"context"
	"strings"

	"google.golang.org/grpc"

	"github.com/shardkit/tabletclient/pkg/metrics"
)

// MetricsInterceptor records a DriverRequestsTotal/DriverRequestDuration
// observation for every unary call, keyed by method name.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		method := methodName(info.FullMethod)
		timer := metrics.NewTimer()

		resp, err := handler(ctx, req)

		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		metrics.DriverRequestsTotal.WithLabelValues(method, outcome).Inc()
		timer.ObserveDurationVec(metrics.DriverRequestDuration, method)

		return resp, err
	}
}

func methodName(fullMethod string) string {
	parts := strings.Split(fullMethod, "/")
	if len(parts) == 0 {
		return fullMethod
	}
	return parts[len(parts)-1]
}
