package ir

// Version constants for payload schemas.
const (
	// PayloadVersion is the version of the oracle request payload schema.
	PayloadVersion = "1"

	// ServiceVersion is the predcache service version.
	ServiceVersion = "0.1.0"
)
