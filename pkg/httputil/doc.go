// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteSuccess(w, vehicle)
//	httputil.WriteCreated(w, workOrder)
//	httputil.WriteAppError(w, r, err) // maps apperr kinds to status codes
//
// Error bodies have the shape:
//
//	{"error": "validation_failed", "message": "validation failed", "details": {"vin": "is required"}}
//
// # Request Parsing
//
//	var req createVehicleRequest
//	if err := httputil.DecodeAndValidate(r, &req); err != nil { ... }
//	id, err := httputil.ParsePathInt64(r, "id")
//	page, err := httputil.ParsePage(r)
//
// Validation uses go-playground/validator struct tags and reports JSON field names.
//
// # Middleware
//
// RequestIDMiddleware, LoggingMiddleware, RecoveryMiddleware, CORSMiddleware
// and MaxBytesMiddleware compose with Chain.
package httputil
