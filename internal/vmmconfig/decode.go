package vmmconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// decodePmemDeviceConfig decodes a PmemDeviceConfig from JSON, rejecting any
// field not in the struct, matching the control plane's deny-unknown-fields
// contract.
func decodePmemDeviceConfig(body []byte) (PmemDeviceConfig, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	var config PmemDeviceConfig
	if err := dec.Decode(&config); err != nil {
		return PmemDeviceConfig{}, fmt.Errorf("invalid request body: %w", err)
	}
	return config, nil
}
