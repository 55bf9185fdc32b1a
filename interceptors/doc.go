// Package interceptors wraps message callbacks with reusable steps.
//
// A chain is built once and wraps the callback of a consumption resource:
//
//	chain := interceptors.NewChainBuilder(logger).
//		WithLogging().
//		WithFilter(interceptors.NewRoutingKeyFilter("requete.*.ping"), interceptors.SkipWithLog).
//		WithTimeout(30 * time.Second).
//		Build()
//
//	resource := messaging.NewConsumptionResource("Test/requete", chain.Wrap(callback))
//
// Interceptors run in the order they were added, the last one calling the callback.
package interceptors
