// Package messaging turns topic-exchange delivery into an event bus and a
// request/reply channel.
//
// The package is built from a few pieces:
//   - ConsumptionResource: a queue, its bindings and its consumption settings
//   - Producer: an outbound FIFO drained by a single delivery loop
//   - Consumer: an inbound buffer processed one message at a time, always acknowledged
//   - Module: owns the transport and supervises every loop, fail-fast
//   - FormattingProducer: signs payloads and routes them by kind, domain and action
//
// Replies are matched to their request by correlation id. The reply consumer
// keeps a bounded registry of pending correlations; a full registry makes new
// requests wait for a free slot before failing with ErrTooManyPending.
//
// Example usage:
//
//	module := messaging.NewModule(transport, messaging.WithLogger(logger))
//	module.SetReplyResource(messaging.NewConsumptionResource("", nil))
//
//	resource := messaging.NewConsumptionResource("Domaine/requetes", handleRequest)
//	resource.AddBinding("3.protege", "requete.Domaine.*")
//	module.AddConsumer(resource)
//
//	if err := module.Connect(ctx); err != nil {
//		return err
//	}
//	go module.Run(ctx)
//
//	producer := messaging.NewFormattingProducer(module.Producer(), signer)
//	reply, err := producer.ExecuteRequest(ctx, payload,
//		messaging.Route{Domain: "Domaine", Action: "lire"}, "3.protege")
package messaging
