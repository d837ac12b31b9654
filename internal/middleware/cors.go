package middleware

import (
	"net/http"
)

const (
	corsAllowMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	corsAllowHeaders = "Content-Type, X-CSRF-Token, X-Request-ID"
)

// ApplyCORS sets credentialed CORS headers echoing origin. Callers must only
// pass an origin the OriginPolicy verified.
func ApplyCORS(h http.Header, origin string) {
	if origin == "" {
		return
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Expose-Headers", "X-Request-ID")
	h.Add("Vary", "Origin")
}

// ApplyPreflight adds the preflight-only CORS headers.
func ApplyPreflight(h http.Header, origin string) {
	if origin == "" {
		return
	}
	ApplyCORS(h, origin)
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
	h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
	h.Set("Access-Control-Max-Age", "3600")
}

// ApplySecurityHeaders sets the baseline hardening headers on every gateway
// response.
func ApplySecurityHeaders(h http.Header) {
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Cache-Control", "no-store")
}
