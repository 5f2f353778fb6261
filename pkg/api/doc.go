/*
Package api serves the read-only monitor API of a heron node.

Routes:

	GET /api/v1/monitor/tasks?page=&size=&history=   aggregated view per entity
	GET /api/v1/monitor/statuses?page=&size=         raw status index
	GET /api/v1/monitor/nodes                        live cluster members
	GET /api/v1/monitor/denylist                     denylisted node addresses
	GET /api/v1/monitor/events?limit=                recent events on this node
	GET /health                                      liveness
	GET /ready                                       readiness
	GET /metrics                                     Prometheus metrics

Every node serves the same data; the coordination store is the only source.
Any method other than GET or HEAD is answered with 405.
*/
package api
