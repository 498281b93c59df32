package protocol

import (
	"github.com/chris-alexander-pop/msgbroker/pkg/errors"
	json "github.com/goccy/go-json"
)

// ParseOptions decodes a command's camelCase JSON options blob into dest.
// It's a single shared seam so CREATE/PUSH/CONSUME/PUB commands across all
// four brokers fail the same way on malformed options.
func ParseOptions(raw []byte, dest any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return errors.New(errors.CodeInvalidOptions, "malformed options json: "+err.Error(), err)
	}
	return nil
}
