// Package server hosts the Fiber HTTP surface that exposes a cache engine to
// local consumers. It owns the middleware chain (panic recovery, request IDs,
// access logging), the /-/ diagnostics endpoints and the JSON error envelope;
// the /api routes themselves live in the routes subpackage and are attached
// by the binary after NewApp returns, so keep exports narrow and accept
// explicit dependencies.
package server
