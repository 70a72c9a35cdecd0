package provider

import "fmt"

// AuthenticationError represents rejected credentials or an unreachable token
// endpoint. It is fatal for the provider instance and is never retried.
type AuthenticationError struct {
	Operation string // The operation that required authentication
	Err       error  // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// DataOfflineError indicates the scene is held in a long-term archive and must
// be staged before it can be fetched. It is not a failure: the bulk
// orchestrator reports such scenes as scheduled and the caller retries later.
type DataOfflineError struct {
	SceneID string
}

func (e *DataOfflineError) Error() string {
	return fmt.Sprintf("scene %s is offline/not available", e.SceneID)
}

// ProviderError represents a non-2xx response or API-level failure not
// otherwise classified.
type ProviderError struct {
	Operation  string // The operation that failed (e.g., "search", "download")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string // Error message from the API or network layer
	Err        error  // Underlying error, if any
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("provider error during %s: %s", e.Operation, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports missing credentials or an unusable shared cache.
// It is raised at construction time, never deferred to first use.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
