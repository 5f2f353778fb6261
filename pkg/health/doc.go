/*
Package health probes the external dependencies of a heron node.

A Prober runs one Checker per dependency on a fixed interval and publishes
the outcome as a health component, which /health and /ready report. A
dependency turns unhealthy only after Config.Retries consecutive failures
and recovers on the first success.

	prober := health.NewProber(health.DefaultConfig())
	checker, _ := health.NewReachabilityChecker(cfg.Upstream.PriceURL)
	prober.Add(metrics.ComponentUpstream, checker)
	prober.Start(ctx)
	defer prober.Stop()
*/
package health
