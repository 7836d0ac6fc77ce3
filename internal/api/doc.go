// Package api exposes the job core over HTTP: bulk operation submission and
// progress, cached analytics and queue administration. Handlers translate
// requests into service calls and map service errors onto status codes.
package api
