package validation

import (
	"fmt"
	"net/url"
	"strings"
)

/* DescriptorResult represents the result of connection-descriptor validation */
type DescriptorResult struct {
	Valid    bool
	Error    string
	Warnings []string
}

/* ValidateDescriptor validates a target-database connection descriptor.
   Accepts postgres:// URLs and keyword/value DSNs. */
func ValidateDescriptor(descriptor string) DescriptorResult {
	result := DescriptorResult{
		Valid:    true,
		Warnings: []string{},
	}

	descriptor = strings.TrimSpace(descriptor)
	if descriptor == "" {
		result.Valid = false
		result.Error = "connection descriptor cannot be empty"
		return result
	}

	/* Reject shell metacharacters early */
	for _, pattern := range []string{"&&", "||", "`", "$(", "${"} {
		if strings.Contains(descriptor, pattern) {
			result.Valid = false
			result.Error = fmt.Sprintf("descriptor contains potentially malicious pattern: %s", pattern)
			return result
		}
	}

	if strings.Contains(descriptor, "://") {
		u, err := url.Parse(descriptor)
		if err != nil {
			result.Valid = false
			result.Error = "descriptor is not a valid URL"
			return result
		}
		if u.Scheme != "postgres" && u.Scheme != "postgresql" {
			result.Valid = false
			result.Error = fmt.Sprintf("unsupported scheme: %s", u.Scheme)
			return result
		}
		if u.Host == "" {
			result.Valid = false
			result.Error = "descriptor is missing a host"
			return result
		}
		if strings.TrimPrefix(u.Path, "/") == "" {
			result.Warnings = append(result.Warnings, "descriptor has no database name; the server default will be used")
		}
		return result
	}

	/* Keyword/value DSN */
	lower := strings.ToLower(descriptor)
	for _, req := range []string{"host=", "dbname="} {
		if !strings.Contains(lower, req) {
			result.Valid = false
			result.Error = fmt.Sprintf("descriptor is missing required component: %s", strings.TrimSuffix(req, "="))
			return result
		}
	}

	return result
}
