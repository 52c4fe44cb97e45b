package limits

// Size limits for API payloads and persisted documents

const (
	// JSON is the standard size limit for API request/response payloads (1MB)
	JSON = 1 << 20

	// ErrorBody is the maximum size for error response bodies (64KB)
	// Failed launches return their partial result alongside the message
	ErrorBody = 64 << 10

	// Store caps the registry document read from disk (16MB)
	Store = 16 << 20

	// Sheet caps an entry sheet handed to `apps edit --file` (256KB)
	Sheet = 256 << 10
)
