// Package api implements the HTTP producer facade over the task client:
// task submission, status polling, revocation, and queue introspection.
// Authentication is out of scope; deploy behind a trusted boundary.
package api
