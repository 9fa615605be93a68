package forwarder

import (
	"encoding/json"
	"fmt"

	"github.com/mcuadros/go-defaults"
)

// decodeParams maps forwarder_params onto a tagged params struct and applies its defaults.
func decodeParams(transport string, raw map[string]any, out any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return &SendError{Kind: NotConfigured, Transport: transport, Err: err}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &SendError{Kind: NotConfigured, Transport: transport, Err: fmt.Errorf("invalid forwarder_params: %w", err)}
	}
	defaults.SetDefaults(out)
	return nil
}
