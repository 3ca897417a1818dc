// Package common provides shared HTTP utility functions for API handlers.
package common

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
)

var errTrailingData = errors.New("request body must contain a single JSON value")

// GetAndValidateURLParam extracts and decodes a URL parameter from the request.
// The value must not be blank, must not start or end with whitespace and must
// not contain control characters.
func GetAndValidateURLParam(r *http.Request, paramName string) (string, error) {
	decoded, err := url.PathUnescape(chi.URLParam(r, paramName))
	if err != nil {
		return "", fmt.Errorf("invalid URL encoding in %s", paramName)
	}

	trimmed := strings.TrimSpace(decoded)
	if trimmed == "" {
		return "", fmt.Errorf("%s cannot be empty", paramName)
	}
	if trimmed != decoded {
		return "", fmt.Errorf("%s cannot start or end with whitespace", paramName)
	}
	if strings.ContainsFunc(decoded, func(c rune) bool { return c < ' ' || c == 0x7f }) {
		return "", fmt.Errorf("%s cannot contain control characters", paramName)
	}

	return decoded, nil
}
