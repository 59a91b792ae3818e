/**
 * @description
 * This file contains custom middleware for the HTTP router. The
 * settlement-service sits behind the merchant gateway, which authenticates
 * merchants; service-to-service calls authenticate with a shared API key.
 *
 * @dependencies
 * - crypto/subtle, log, net/http: Standard Go libraries.
 */

package api

import (
	"crypto/subtle"
	"log"
	"net/http"
)

const headerAPIKey = "X-Internal-Api-Key"

// InternalAPIKeyMiddleware creates a middleware that validates the shared
// service-to-service API key. An empty configured key disables the check; this
// is only acceptable for local development and is logged loudly at startup.
func InternalAPIKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	if apiKey == "" {
		log.Printf("level=warn component=api msg=\"INTERNAL_API_KEY is empty; request authentication is DISABLED\"")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey != "" {
				presented := r.Header.Get(headerAPIKey)
				if subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
					log.Printf("level=warn component=api msg=\"request rejected; invalid api key\" path=%s remote=%s", r.URL.Path, r.RemoteAddr)
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
