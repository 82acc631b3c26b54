package generation

// FragmentText extracts the textual content of a raw fragment.
//
// Plain strings pass through. Structured chunks -- a list of typed parts or
// a single part object -- contribute only their "text" fields, concatenated
// in order. Anything non-textual normalizes to the empty string, which
// callers treat as a skippable fragment.
func FragmentText(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case []any:
		var text string
		for _, part := range v {
			text += partText(part)
		}
		return text
	case map[string]any:
		return partText(v)
	default:
		return ""
	}
}

func partText(part any) string {
	m, ok := part.(map[string]any)
	if !ok {
		return ""
	}
	text, ok := m["text"].(string)
	if !ok {
		return ""
	}
	return text
}
