package config

import "encoding/json"

// Secret is a credential loaded from configuration, such as the GitHub
// token or the webhook secret. Formatting and marshaling print a mask;
// only Value returns the credential.
type Secret string

const mask = "[REDACTED]"

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return mask
}

func (s Secret) GoString() string { return "Secret(" + mask + ")" }

// Value returns the credential itself.
func (s Secret) Value() string { return string(s) }

// IsSet reports whether a credential was configured.
func (s Secret) IsSet() bool { return s != "" }

func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s Secret) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}
