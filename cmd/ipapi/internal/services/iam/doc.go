// Package iam implements the login flows that end in a bearer token:
// password login, one-time login codes and third-party identity callbacks.
// It also owns self-service registration and account listing.
//
// Request-time authentication lives in the middleware package; this package
// only mints credentials.
package iam
