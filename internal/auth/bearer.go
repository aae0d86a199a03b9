package auth

import (
	"errors"
	"net/http"
	"strings"
)

// ExtractBearer pulls the bearer credential out of the Authorization header.
func ExtractBearer(r *http.Request) (string, error) {
	hdr := r.Header.Get("Authorization")
	parts := strings.SplitN(hdr, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid Authorization header")
	}
	return parts[1], nil
}
