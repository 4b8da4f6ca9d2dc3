package services

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"fastdls/internal/config"
	"fastdls/internal/infrastructure"
	"fastdls/internal/pki"
	"fastdls/pkg/contracts/events"
)

// Options carries the collaborators shared by all services. Zero fields get
// working defaults.
type Options struct {
	Logger  *slog.Logger
	Metrics *infrastructure.DLSMetrics
	Events  events.Publisher
	Tracer  trace.Tracer
	Now     func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = infrastructure.NoopDLSMetrics()
	}
	if o.Events == nil {
		o.Events = events.NopPublisher{}
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(infrastructure.MeterName + "/services")
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Identity is the immutable identity of this service instance.
type Identity struct {
	Instance config.InstanceConfig
	// KeyRef is sent as key_ref and kid in every token.
	KeyRef string
	Keys   *pki.KeyPair
	// Chain is only needed by the config-token flow.
	Chain *pki.Chain
}
