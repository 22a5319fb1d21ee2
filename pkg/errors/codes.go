package errors

// ErrorCodeInfo contains metadata about an error code.
type ErrorCodeInfo struct {
	Code            ErrorCode
	Retryable       bool
	Description     string
	SuggestedAction string
}

// ErrorCodeRegistry maps error codes to their metadata.
var ErrorCodeRegistry = map[ErrorCode]ErrorCodeInfo{
	ErrTimeout: {
		Code:            ErrTimeout,
		Retryable:       true,
		Description:     "Operation exceeded time limit",
		SuggestedAction: "Check server.request_timeout and the health of the database",
	},
	ErrRateLimit: {
		Code:            ErrRateLimit,
		Retryable:       true,
		Description:     "Upstream API rate limit exceeded",
		SuggestedAction: "Wait and retry, or check the quota of the integration key",
	},
	ErrUpstreamUnavailable: {
		Code:            ErrUpstreamUnavailable,
		Retryable:       true,
		Description:     "Upstream service unavailable",
		SuggestedAction: "Check connectivity to the integration or remote backend",
	},
	ErrSerializationFailure: {
		Code:            ErrSerializationFailure,
		Retryable:       true,
		Description:     "Concurrent transaction conflict (serialization failure)",
		SuggestedAction: "Retried automatically; persistent failures indicate hot rows",
	},
	ErrDeadlock: {
		Code:            ErrDeadlock,
		Retryable:       true,
		Description:     "Database deadlock detected",
		SuggestedAction: "Retried automatically",
	},
	ErrConnectionFailure: {
		Code:            ErrConnectionFailure,
		Retryable:       true,
		Description:     "Database or cache connection failed",
		SuggestedAction: "Check database health: vcm db status",
	},
	ErrContextCancelled: {
		Code:            ErrContextCancelled,
		Retryable:       false,
		Description:     "Operation cancelled by caller",
		SuggestedAction: "Check if cancellation was intentional",
	},
	ErrUniqueViolation: {
		Code:            ErrUniqueViolation,
		Retryable:       false,
		Description:     "Unique constraint violated",
		SuggestedAction: "A row with the same key already exists",
	},
	ErrForeignKeyViolation: {
		Code:            ErrForeignKeyViolation,
		Retryable:       false,
		Description:     "Referenced row does not exist",
		SuggestedAction: "Verify the referenced company or column id",
	},
	ErrParseError: {
		Code:            ErrParseError,
		Retryable:       false,
		Description:     "Content parsing failed",
		SuggestedAction: "Inspect the uploaded document",
	},
	ErrEmptyContent: {
		Code:            ErrEmptyContent,
		Retryable:       false,
		Description:     "Content is empty or missing",
		SuggestedAction: "Re-upload the document",
	},
	ErrContentTooLarge: {
		Code:            ErrContentTooLarge,
		Retryable:       false,
		Description:     "Content exceeds maximum size limit",
		SuggestedAction: "Documents are limited to 25 MiB",
	},
	ErrProcessingError: {
		Code:            ErrProcessingError,
		Retryable:       false,
		Description:     "Unclassified processing error",
		SuggestedAction: "Check logs for the request id",
	},
}

// IsRetryable returns true if the given error code represents a transient, retryable error.
func IsRetryable(code ErrorCode) bool {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Retryable
	}
	return false
}

// GetSuggestedAction returns the suggested action for the given error code.
func GetSuggestedAction(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.SuggestedAction
	}
	return "Check logs for more details"
}

// GetDescription returns the human-readable description for the given error code.
func GetDescription(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Description
	}
	return "Unknown error"
}
