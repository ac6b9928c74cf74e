package otelsink

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	otlpcollector "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
)

var exportDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "otelsink_export_duration_seconds",
	Help:    "Duration of OTLP Export RPCs, by status code.",
	Buckets: prometheus.DefBuckets,
}, []string{"code"})

// RetryPolicy configures the gRPC service-config retry policy applied to
// the Export method.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, InitialBackoff: 250 * time.Millisecond, MaxBackoff: 5 * time.Second, BackoffMultiplier: 1.6}
}

// Exporter sends ExportMetricsServiceRequests to a remote OTLP endpoint.
type Exporter struct {
	conn   *grpc.ClientConn
	client otlpcollector.MetricsServiceClient
}

// NewExporter dials remoteAddress. When insecure is false, TLS is
// negotiated with the system root trust store.
func NewExporter(remoteAddress string, insecure bool, retry RetryPolicy, maxSendMsgSizeBytes, maxRecvMsgSizeBytes int) (*Exporter, error) {
	if retry.MaxAttempts <= 0 {
		retry = defaultRetryPolicy()
	}

	serviceConfig, err := buildServiceConfigJSON(retry)
	if err != nil {
		return nil, err
	}

	var transportOpt grpc.DialOption
	if insecure {
		transportOpt = grpc.WithTransportCredentials(insecureCreds())
	} else {
		transportOpt = grpc.WithTransportCredentials(credentials.NewTLS(nil))
	}

	conn, err := grpc.NewClient(
		remoteAddress,
		transportOpt,
		grpc.WithDefaultServiceConfig(serviceConfig),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(orDefault(maxSendMsgSizeBytes, 10*1024*1024)),
			grpc.MaxCallRecvMsgSize(orDefault(maxRecvMsgSizeBytes, 10*1024*1024)),
		),
	)
	if err != nil {
		return nil, err
	}

	return &Exporter{conn: conn, client: otlpcollector.NewMetricsServiceClient(conn)}, nil
}

func insecureCreds() credentials.TransportCredentials {
	return insecure.NewCredentials()
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Export sends req and records RPC duration by status code.
func (e *Exporter) Export(ctx context.Context, req *otlpcollector.ExportMetricsServiceRequest) error {
	start := time.Now()
	_, err := e.client.Export(ctx, req)
	code := "OK"
	if err != nil {
		code = status.Code(err).String()
	}
	exportDuration.WithLabelValues(code).Observe(time.Since(start).Seconds())
	return err
}

// Close tears down the underlying connection.
func (e *Exporter) Close() error {
	if e.conn == nil {
		return nil
	}
	return e.conn.Close()
}

type serviceConfigJSON struct {
	MethodConfig []methodConfigJSON `json:"methodConfig"`
}
type methodConfigJSON struct {
	Name        []methodNameJSON  `json:"name"`
	RetryPolicy retryPolicyJSON   `json:"retryPolicy"`
}
type methodNameJSON struct {
	Service string `json:"service"`
	Method  string `json:"method"`
}
type retryPolicyJSON struct {
	MaxAttempts          int      `json:"maxAttempts"`
	InitialBackoff       string   `json:"initialBackoff"`
	MaxBackoff           string   `json:"maxBackoff"`
	BackoffMultiplier    float64  `json:"backoffMultiplier"`
	RetryableStatusCodes []string `json:"retryableStatusCodes"`
}

func buildServiceConfigJSON(r RetryPolicy) (string, error) {
	sec := func(d time.Duration) string {
		return strconv.FormatFloat(float64(d)/float64(time.Second), 'f', -1, 64) + "s"
	}
	cfg := serviceConfigJSON{
		MethodConfig: []methodConfigJSON{{
			Name: []methodNameJSON{{Service: "opentelemetry.proto.collector.metrics.v1.MetricsService", Method: "Export"}},
			RetryPolicy: retryPolicyJSON{
				MaxAttempts:          r.MaxAttempts,
				InitialBackoff:       sec(r.InitialBackoff),
				MaxBackoff:           sec(r.MaxBackoff),
				BackoffMultiplier:    r.BackoffMultiplier,
				RetryableStatusCodes: []string{"UNAVAILABLE"},
			},
		}},
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
