package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Version store errors
// 12000-12999: Artifact & Upload errors
// 13000-13999: Dispatch & Sandbox errors
// 14000-14999: Scoring, Tier & Achievement errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	TransactionFailed   ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError     ErrorCode = 10200
	CacheSetFailed ErrorCode = 10201
	LockFailed     ErrorCode = 10202

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	RequiredFieldEmpty ErrorCode = 10302

	// ========== Version Store Errors (11000-11999) ==========

	// Commit (11000-11099)
	NoChanges     ErrorCode = 11000
	TooManyFiles  ErrorCode = 11001
	CommitFailed  ErrorCode = 11002
	BucketMissing ErrorCode = 11003

	// Revision reads (11100-11199)
	RevisionNotFound ErrorCode = 11100
	FileNotFound     ErrorCode = 11101
	BlobCorrupted    ErrorCode = 11102
	ArchiveFailed    ErrorCode = 11103

	// ========== Artifact & Upload Errors (12000-12999) ==========

	// Artifact records (12000-12099)
	ArtifactNotFound     ErrorCode = 12000
	ArtifactCreateFailed ErrorCode = 12001
	ArtifactEmpty        ErrorCode = 12002
	InvalidArtifactKind  ErrorCode = 12003

	// Upload intake (12100-12199)
	SubmitTooFrequently ErrorCode = 12100
	UploadTooLarge      ErrorCode = 12101

	// Groups (12200-12299)
	GroupNotFound ErrorCode = 12200
	GroupFull     ErrorCode = 12201

	// ========== Dispatch & Sandbox Errors (13000-13999) ==========

	// Dispatcher (13000-13099)
	DispatcherMisconfigured ErrorCode = 13000
	DispatcherClosed        ErrorCode = 13001
	NoWorkersAvailable      ErrorCode = 13002

	// Sandbox (13100-13199)
	SandboxError       ErrorCode = 13100
	SandboxTimeout     ErrorCode = 13101
	SandboxLaunchError ErrorCode = 13102
	ResultUnparseable  ErrorCode = 13103

	// ========== Scoring, Tier & Achievement Errors (14000-14999) ==========

	// Scores (14000-14099)
	ScoreCreateFailed ErrorCode = 14000
	ScoreQueryFailed  ErrorCode = 14001

	// Achievements (14100-14199)
	AchievementPersistFailed ErrorCode = 14100

	// Tiers (14200-14299)
	TierQueryFailed ErrorCode = 14200
)

// errorMessages maps error codes to their default messages
var errorMessages = map[ErrorCode]string{
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized",
	Forbidden:           "Forbidden",
	TooManyRequests:     "Too many requests",
	ServiceUnavailable:  "Service unavailable",
	Timeout:             "Operation timed out",

	DatabaseError:       "Database error",
	RecordNotFound:      "Record not found",
	RecordAlreadyExists: "Record already exists",
	TransactionFailed:   "Transaction failed",

	CacheError:     "Cache error",
	CacheSetFailed: "Failed to set cache",
	LockFailed:     "Failed to acquire lock",

	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	RequiredFieldEmpty: "Required field is empty",

	NoChanges:     "No changes to commit",
	TooManyFiles:  "Too many files changed",
	CommitFailed:  "Failed to commit files",
	BucketMissing: "Bucket does not exist",

	RevisionNotFound: "Revision not found",
	FileNotFound:     "File not found in revision",
	BlobCorrupted:    "Blob content does not match its hash",
	ArchiveFailed:    "Failed to archive revision blobs",

	ArtifactNotFound:     "Artifact not found",
	ArtifactCreateFailed: "Failed to create artifact record",
	ArtifactEmpty:        "Artifact has no files",
	InvalidArtifactKind:  "Invalid artifact kind",

	SubmitTooFrequently: "Submitted too frequently",
	UploadTooLarge:      "Upload exceeds size limits",

	GroupNotFound: "Group not found",
	GroupFull:     "Group has reached capacity",

	DispatcherMisconfigured: "Dispatcher concurrency limit is not configured",
	DispatcherClosed:        "Dispatcher is shut down",
	NoWorkersAvailable:      "No runner workers connected",

	SandboxError:       "Sandbox execution failed",
	SandboxTimeout:     "Sandbox execution timed out",
	SandboxLaunchError: "Failed to launch sandbox",
	ResultUnparseable:  "Sandbox produced no parseable result",

	ScoreCreateFailed: "Failed to persist score",
	ScoreQueryFailed:  "Failed to query scores",

	AchievementPersistFailed: "Failed to persist achievement",

	TierQueryFailed: "Failed to compute tier list",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized:
		return 401
	case c == Forbidden:
		return 403
	case c == NotFound, c == RevisionNotFound, c == FileNotFound,
		c == ArtifactNotFound, c == GroupNotFound, c == BucketMissing:
		return 404
	case c == TooManyRequests, c == SubmitTooFrequently:
		return 429
	case c == ServiceUnavailable, c == NoWorkersAvailable:
		return 503
	case c == NoChanges, c == TooManyFiles, c == ArtifactEmpty, c == UploadTooLarge, c == GroupFull:
		return 400
	case c >= 10300 && c < 10400:
		return 400
	case c == InvalidParams:
		return 400
	default:
		return 500
	}
}
