// Package observability provides OpenTelemetry tracing and RED metrics for
// the control plane's services.
//
// # Setup
//
// Initialize at application startup:
//
//	p, err := observability.New(ctx, observability.DefaultConfig())
//	defer p.Shutdown(ctx)
//
// Track an operation end-to-end:
//
//	ctx, done := p.TrackOperation(ctx, "promotion.process", observability.PromotionOperation(candidateID, decisionID, decision, service)...)
//	defer func() { done(err) }()
//
// # SLIs and SLOs
//
// Register indicators and objectives for the pipeline's own operations:
//
//	registry := observability.NewSLIRegistry()
//	registry.Register(&observability.SLI{SLIID: "promote-latency", Name: "Promote Latency", Operation: "promote", Source: observability.SLISourceMetric})
package observability
