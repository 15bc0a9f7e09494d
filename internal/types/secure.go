package types

const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString holds configuration secrets (database URL, client secret,
// encryption key, admin key). String, GoString and MarshalJSON all redact, so
// a secret never reaches a log line or a config dump by accident. Unmask is
// the only way to read the value.
type SecretString string

// String returns a redacted placeholder instead of the raw value.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// GoString redacts %#v formatting as well.
func (s SecretString) GoString() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw value. Call it only at the point of use: building a
// connection string, an OAuth client, or the envelope key.
func (s SecretString) Unmask() string {
	return string(s)
}

// IsZero reports whether the secret is unset.
func (s SecretString) IsZero() bool {
	return s == ""
}
