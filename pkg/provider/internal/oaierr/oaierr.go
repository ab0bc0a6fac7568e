// Package oaierr maps errors from the openai-go SDK into the provider error
// taxonomy. It is shared by every OpenAI-backed provider.
package oaierr

import (
	"errors"

	oai "github.com/openai/openai-go"

	"github.com/MrWong99/voxloop/pkg/provider"
)

// Classify returns err classified for op. API errors are mapped by their
// HTTP status; everything else goes through [provider.Classify].
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *oai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		return provider.FromStatus(op, apiErr.StatusCode, err)
	}
	return provider.Classify(op, err)
}
