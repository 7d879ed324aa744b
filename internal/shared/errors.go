package shared

import "fmt"

// The pipeline recovers its own error taxonomy at every stage boundary.
// Only these sentinels cross component boundaries; callers match them with
// [errors.Is] and wrap with %w for context.
var (
	// Configuration errors
	ErrMissingConfig      = fmt.Errorf("configuration not found")
	ErrInvalidConfig      = fmt.Errorf("invalid configuration")
	ErrMissingCredentials = fmt.Errorf("missing credentials")

	// Fetch-side errors
	ErrTransientNetwork = fmt.Errorf("transient network failure")
	ErrRateLimited      = fmt.Errorf("rate limited")
	ErrForbidden        = fmt.Errorf("forbidden")
	ErrChallenge        = fmt.Errorf("challenge interstitial detected")
	ErrNoHealthyProxy   = fmt.Errorf("no healthy egress point available")
	ErrRobotsDisallowed = fmt.Errorf("disallowed by robots policy")

	// Extraction and pipeline errors
	ErrExtractionFailure   = fmt.Errorf("extraction failed")
	ErrValidationFailure   = fmt.Errorf("validation failed")
	ErrPersistenceConflict = fmt.Errorf("persistence conflict")

	// Resolver errors
	ErrResolverNotYet = fmt.Errorf("not resolvable with current data")
	ErrUpstreamAPI    = fmt.Errorf("upstream API error")
	ErrCircuitOpen    = fmt.Errorf("circuit breaker open")

	// Store errors
	ErrNotFound = fmt.Errorf("not found")
)
