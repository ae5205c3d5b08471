package security

import (
	"mime"
	"net/http"
)

const bytesPerMB = 1 << 20

// MaxBodySizeMiddleware caps request bodies at maxSizeMB megabytes; zero or
// less disables the cap. A declared Content-Length over the cap is refused
// up front, an undeclared one fails on read with *http.MaxBytesError.
func MaxBodySizeMiddleware(maxSizeMB int) func(http.Handler) http.Handler {
	limit := int64(maxSizeMB) * bytesPerMB

	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// RequireJSON answers 415 to POST, PUT and PATCH requests whose
// Content-Type is not application/json. Parameters such as charset are
// accepted.
func RequireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hasBody(r.Method) && !isJSON(r.Header.Get("Content-Type")) {
			writeError(w, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "Content-Type must be application/json")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hasBody(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}
