// Package pipeline runs the ingress guard chain in front of every routed
// request.
//
// # Order
//
// Guards run sorted by their StageOrder, independent of registration order:
//
//	rate limit (10) -> CSRF (20) -> credentials (30)
//
// Interceptors then wrap the terminal handler, again by StageOrder:
//
//	idempotency (40) -> router | marketplace proxy
//
// The first guard error short-circuits the chain. It is rendered once, by
// the executor, as the JSON error envelope:
//
//	{
//	  "statusCode": 429,
//	  "code": "RATE_LIMITED",
//	  "message": "too many requests",
//	  "requestId": "..."
//	}
//
// Guards fill the per-request domain.RequestContext (principal, rate-limit
// outcome, marketplace key) instead of attaching values to the raw request.
package pipeline
