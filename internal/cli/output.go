// Package cli contains the cobra commands for pipectl.
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
)

// printJSON writes v to stdout as indented JSON. Every command's success
// output is the full entity (or entity list) in the persisted layout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// warn prints a non-fatal notice to stderr.
func warn(format string, args ...any) {
	color.New(color.FgYellow).Fprintf(os.Stderr, "warning: "+format+"\n", args...)
}
