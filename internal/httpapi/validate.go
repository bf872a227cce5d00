package httpapi

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/lklic/idios/internal/apierr"
)

const (
	maxURLLength       = 2083
	maxMetadataBytes   = 65535
	defaultSearchLimit = 10
	minLimit           = 1
	maxLimit           = 16384
)

// validateURL enforces the constraints every url-bearing request body must
// satisfy: an absolute http(s) URL with a host and a TLD, within length.
func validateURL(raw string) error {
	if raw == "" {
		return apierr.ParameterError("url is required")
	}
	if len(raw) > maxURLLength {
		return apierr.ParameterError("url exceeds %d characters", maxURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return apierr.ParameterError("url is not a valid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apierr.ParameterError("url must be http or https")
	}
	if u.Host == "" {
		return apierr.ParameterError("url must have a host")
	}
	host := u.Hostname()
	if !strings.Contains(host, ".") {
		return apierr.ParameterError("url host must include a TLD")
	}
	return nil
}

// validateMetadataSize re-serializes v to check it fits within the wire
// limit before handing it to the command layer (which enforces the same
// bound again on the worker side of the dispatcher call).
func validateMetadataSize(v any) error {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return apierr.ParameterError("metadata is not valid JSON: %v", err)
	}
	if len(b) > maxMetadataBytes {
		return apierr.ParameterError("metadata exceeds %d bytes", maxMetadataBytes)
	}
	return nil
}

// parseLimit reads limit from a query or body value, defaulting and bounding
// it to [1, 16384].
func parseLimit(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apierr.ParameterError("limit must be an integer")
	}
	return boundLimit(n)
}

func boundLimit(n int) (int, error) {
	if n == 0 {
		n = defaultSearchLimit
	}
	if n < minLimit || n > maxLimit {
		return 0, apierr.ParameterError("limit must be between %d and %d", minLimit, maxLimit)
	}
	return n, nil
}
