// Package http implements the HTTP handlers of the license service.
//
// Handlers are thin: they decode the request, call the license core and
// render the result. Failures are rendered as RFC 7807 problems through
// the shared error handler, and license failures carry the stable numeric
// code of their kind:
//
//	{
//	    "type": "/errors/license/expired",
//	    "title": "Forbidden",
//	    "status": 403,
//	    "detail": "License has expired",
//	    "instance": "/api/protected/features",
//	    "code": 4004,
//	    "kind": "EXPIRED",
//	    "trace_id": "..."
//	}
//
// Routes:
//
//	POST /api/license/issue               sign a license and store it
//	POST /api/license/verify              validate a license against this host
//	GET  /api/license/usage/{licenseId}   recent verification events
//	GET  /api/machine/info                fingerprint of this host
//	GET  /api/health                      liveness and component status
package http
