// Package api exposes the REST surface of the clinical assistant: synchronous
// analyses, asynchronous run management, health, and metrics.
package api
