// Package middleware provides HTTP middleware for request identity,
// organization scoping, and permission enforcement.
package middleware
