package provider

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

func NewSecretString(value string) SecretString {
	return SecretString{value}
}

// SecretString holds a secret that must not show up in logs or dumps.
// Only YAML decoding and Value() ever see the raw value.
type SecretString struct {
	value string
}

func (s SecretString) String() string {
	if s.value == "" {
		return ""
	}
	return "*****"
}

func (s SecretString) Value() string {
	return s.value
}

func (s SecretString) IsZero() bool {
	return s.value == ""
}

func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(s.String())
}

func (s SecretString) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *SecretString) UnmarshalYAML(unmarshal func(any) error) error {
	if err := unmarshal(&s.value); err != nil {
		return fmt.Errorf("unable to unmarshal secret: %w", err)
	}
	return nil
}
