package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey       = "X-API-Key" // #nosec G101 - header name constant, not a credential
	HeaderPrefer       = "Prefer"
	PreferRespondAsync = "respond-async"
	ContentTypeJSON    = "application/json"
)

// API paths
const (
	PathHealthz = "/healthz"
	PathRuns    = "/v1/runs"
	PathHistory = "/v1/history"
	PathCache   = "/v1/cache"
)

// Defaults and limits
const (
	DefaultQueueCapacity = 64
	DefaultWorkerCount   = 2
	SQLiteBusyTimeoutMS  = 5000
	MaxSubjectImages     = 4
	DefaultHistoryLimit  = 50
)

// MIME types
const (
	MimeImagePNG  = "image/png"
	MimeImageJPEG = "image/jpeg"
	MimeImageJPG  = "image/jpg"
)

// Subdirectory names
const (
	UploadsDirName = "uploads"
	OutputsDirName = "outputs"
)

// Callback status strings
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Multipart form fields of a run submission.
const (
	FieldMode         = "mode"
	FieldSubject      = "subject"
	FieldScene        = "scene"
	FieldReference    = "reference"
	FieldOutfit       = "outfit"
	FieldInstruction  = "instruction"
	FieldResolution   = "resolution"
	FieldAspectRatio  = "aspect_ratio"
	FieldHarmonize    = "harmonize"
	FieldRegion       = "region"
	FieldQuality      = "quality"
	FieldLastModified = "last_modified"
	FieldCallbackURL  = "callback_url"
)
