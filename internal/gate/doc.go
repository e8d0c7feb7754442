// Package gate enforces the license of the running process on HTTP routes.
//
// A Source produces an Outcome (FileSource validates the configured license
// file against the local machine). The Gate caches the outcome for a TTL,
// shortens the TTL for rejections and never caches I/O failures. Handler
// answers rejected requests with an RFC 7807 problem carrying the stable
// failure code; accepted requests get the outcome in their context, where
// RequireFeature and FeatureEnabled read it.
package gate
