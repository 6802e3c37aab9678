package tools

import (
	"encoding/json"
	"fmt"
)

// DecodeArgs maps validated arguments onto a typed struct.
func DecodeArgs(args map[string]any, dst any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}
