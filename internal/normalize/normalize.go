// Package normalize turns raw token documents from the authoring tool into
// the clean flat mapping consumers read. Normalization is a pure function:
// same document and policy always produce the same result, no I/O, no clock.
package normalize

import (
	"strings"

	"github.com/tokenflow/tokenbridge/internal/model"
)

// Version identifies the filtering rules in effect. Bump when a heuristic
// changes so persisted snapshots can be told apart.
const Version = "v3"

// Policy selects how aggressively raw category values are filtered.
type Policy int

const (
	// PolicyPassthrough trusts the producer: only a pre-cleaned tokens
	// sub-object is copied through, nothing else is extracted.
	PolicyPassthrough Policy = iota
	// PolicyStrict keeps tokenStudio values only when they look like plain
	// token names (letters, digits, dots, hyphens, underscores).
	PolicyStrict
	// PolicyPermissive drops only obvious binary blobs: very long values,
	// mostly non-printable values, and document-blob keys. This is the
	// policy the relay runs with.
	PolicyPermissive
)

const (
	maxValueLen       = 1000
	minPrintableRatio = 0.3
)

// Category key prefixes applied when flattening into the clean mapping.
const (
	variablePrefix = "var_"
	stylePrefix    = "style_"
)

// Key prefixes stripped from the default (tokenStudio) category.
var strippedKeyPrefixes = []string{"Type=Info_tokenStudio_", "tokenStudio_"}

// Normalize filters a raw token document into per-category projections and
// the flat clean-token mapping. The input document is never mutated.
func Normalize(doc map[string]any, policy Policy) *model.FilteredTokens {
	out := &model.FilteredTokens{
		TokenStudio: map[string]string{},
		Variables:   map[string]model.Variable{},
		Styles:      map[string]model.Style{},
		CleanTokens: map[string]any{},
	}
	if doc == nil {
		return out
	}

	// Pre-cleaned documents carry a tokens sub-object the producer already
	// filtered. Copy it through untouched and skip every heuristic.
	if tokens, ok := doc["tokens"].(map[string]any); ok {
		for k, v := range tokens {
			out.CleanTokens[k] = v
		}
		return out
	}

	// A document without category sub-maps is already a flat mapping;
	// it passes through unchanged as well.
	if !isComposite(doc) {
		for k, v := range doc {
			out.CleanTokens[k] = v
		}
		return out
	}
	if policy == PolicyPassthrough {
		return out
	}

	if raw, ok := doc["tokenStudio"].(map[string]any); ok {
		for key, v := range raw {
			value, ok := v.(string)
			if !ok {
				continue
			}
			if !keepTokenStudioValue(key, value, policy) {
				continue
			}
			out.TokenStudio[key] = value
		}
	}

	if raw, ok := doc["variables"].(map[string]any); ok {
		for key, v := range raw {
			record, ok := v.(map[string]any)
			if !ok {
				continue
			}
			value, ok := record["value"]
			if !ok {
				continue
			}
			out.Variables[key] = model.Variable{
				Name:  stringField(record, "name", key),
				Value: value,
				Type:  stringField(record, "type", "unknown"),
			}
		}
	}

	if raw, ok := doc["styles"].(map[string]any); ok {
		for key, v := range raw {
			record, ok := v.(map[string]any)
			if !ok {
				continue
			}
			out.Styles[key] = model.Style{
				Name:        stringField(record, "name", key),
				Description: stringField(record, "description", ""),
				Key:         stringField(record, "key", key),
			}
		}
	}

	for key, value := range out.TokenStudio {
		out.CleanTokens[cleanKey(key)] = value
	}
	for key, v := range out.Variables {
		out.CleanTokens[variablePrefix+key] = v.Value
	}
	for key, s := range out.Styles {
		out.CleanTokens[stylePrefix+key] = s.Name
	}
	return out
}

// isComposite reports whether the document carries category sub-maps that
// need the categorized walk.
func isComposite(doc map[string]any) bool {
	for _, category := range []string{"tokenStudio", "variables", "styles"} {
		if _, ok := doc[category].(map[string]any); ok {
			return true
		}
	}
	return false
}

// keepTokenStudioValue decides whether a raw string token survives
// filtering. Document-blob keys are always dropped; the rest depends on
// the policy.
func keepTokenStudioValue(key, value string, policy Policy) bool {
	if isDocumentBlobKey(key) {
		return false
	}
	if policy == PolicyStrict {
		return isPlainTokenValue(value)
	}
	if len(value) > maxValueLen {
		return false
	}
	return printableRatio(value) >= minPrintableRatio
}

// isDocumentBlobKey reports whether the key follows the authoring tool's
// naming convention for embedded document fragments.
func isDocumentBlobKey(key string) bool {
	return strings.HasPrefix(key, "tokenStudioDocument_") ||
		strings.Contains(key, "Document_") ||
		strings.Contains(key, "_meta")
}

// isPlainTokenValue reports whether the value contains only characters
// expected in a token name or reference.
func isPlainTokenValue(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// printableRatio is the share of single-byte printable characters in the
// value. Encoded blobs from the authoring tool sit far below normal text.
func printableRatio(value string) float64 {
	if value == "" {
		return 1
	}
	printable := 0
	runes := 0
	for _, r := range value {
		runes++
		if r >= 0x20 && r < 0x7f {
			printable++
		}
	}
	return float64(printable) / float64(runes)
}

// cleanKey strips the tokenStudio category prefix so consumers see the
// bare token name.
func cleanKey(key string) string {
	for _, prefix := range strippedKeyPrefixes {
		if strings.HasPrefix(key, prefix) {
			return strings.TrimPrefix(key, prefix)
		}
	}
	return key
}

func stringField(record map[string]any, field, fallback string) string {
	if s, ok := record[field].(string); ok && s != "" {
		return s
	}
	return fallback
}
