package agent

import (
	"fmt"
	"strings"

	"github.com/elephant-data/oversight/pkg/blob"
)

const (
	fileMarker = "===FILE: "
	endMarker  = "===END==="
)

// parsePatched extracts the file blocks and the trailing note from a
// model response.
func parsePatched(response string) (blob.Archive, string, error) {
	out := blob.Archive{}
	rest := response
	var tail string
	for {
		start := strings.Index(rest, fileMarker)
		if start < 0 {
			tail = rest
			break
		}
		rest = rest[start+len(fileMarker):]

		nameEnd := strings.Index(rest, "===")
		if nameEnd < 0 {
			return nil, "", fmt.Errorf("unterminated file header in response")
		}
		name := strings.TrimSpace(rest[:nameEnd])
		rest = rest[nameEnd+3:]
		rest = strings.TrimPrefix(rest, "\n")

		end := strings.Index(rest, endMarker)
		if end < 0 {
			return nil, "", fmt.Errorf("missing %s for file %q", endMarker, name)
		}
		content := strings.TrimSuffix(rest[:end], "\n")
		if name == "" {
			return nil, "", fmt.Errorf("file block with empty path")
		}
		out[name] = []byte(content + "\n")
		rest = rest[end+len(endMarker):]
	}
	if len(out) == 0 {
		return nil, "", fmt.Errorf("response contains no file blocks")
	}
	return out, strings.TrimSpace(tail), nil
}
