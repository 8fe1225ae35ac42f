package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"
)

const DefaultServiceName = "microtoken"

// Config mirrors the OTEL_* variables the gateway honours.
type Config struct {
	ServiceName string
	Environment string
	Endpoint    string
	Headers     map[string]string
	Timeout     time.Duration
	Insecure    bool
	// Required turns an exporter failure into a startup failure.
	Required bool
	Sampler  trace.Sampler
}

// ConfigFromEnv reads the OTEL_* variables through lookup (os.LookupEnv in
// production).
func ConfigFromEnv(lookup func(string) (string, bool)) Config {
	get := func(k string) string {
		v, _ := lookup(k)
		return strings.TrimSpace(v)
	}
	timeout := 5
	if v, err := strconv.Atoi(get("OTEL_EXPORTER_OTLP_TIMEOUT_SEC")); err == nil && v > 0 {
		timeout = v
	}
	return Config{
		ServiceName: get("OTEL_SERVICE_NAME"),
		Environment: get("ENVIRONMENT"),
		Endpoint:    get("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Headers:     parseHeaders(get("OTEL_EXPORTER_OTLP_HEADERS")),
		Timeout:     time.Duration(timeout) * time.Second,
		Insecure:    get("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		Required:    get("OTEL_REQUIRED") == "true",
		Sampler:     parseSampler(get("OTEL_TRACES_SAMPLER"), get("OTEL_TRACES_SAMPLER_ARG")),
	}
}

// Init installs the global tracer provider and propagator. Without an endpoint
// spans are sampled but never exported.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = DefaultServiceName
	}
	sampler := cfg.Sampler
	if sampler == nil {
		sampler = parseSampler("", "")
	}
	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceName(name))}
	if cfg.Environment != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.DeploymentEnvironment(cfg.Environment)))
	}
	res, err := resource.New(ctx, append(attrs, resource.WithSchemaURL(semconv.SchemaURL))...)
	if err != nil {
		res = resource.Default()
	}
	opts := []trace.TracerProviderOption{trace.WithResource(res), trace.WithSampler(sampler)}

	if cfg.Endpoint != "" {
		exporter, err := newExporter(ctx, cfg)
		switch {
		case err != nil && cfg.Required:
			return nil, err
		case err != nil:
			logger.Warn("otel exporter disabled", slog.String("endpoint", cfg.Endpoint), slog.Any("error", err))
		default:
			opts = append(opts, trace.WithBatcher(exporter))
		}
	}

	tp := trace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg Config) (*otlptracehttp.Exporter, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithTimeout(timeout),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	return otlptracehttp.New(ctx, opts...)
}

func parseSampler(name, arg string) trace.Sampler {
	ratio := 1.0
	if val, err := strconv.ParseFloat(strings.TrimSpace(arg), 64); err == nil {
		ratio = min(max(val, 0), 1)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware instruments inbound requests. Spans are named "METHOD path".
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	return otelhttp.NewMiddleware(serviceName,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// InstrumentClient wraps the client's transport so outbound calls carry trace
// context. The client is modified in place and returned.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

func parseHeaders(raw string) map[string]string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}
