package schema

// Compatible reports whether a value produced under src can be wired into a
// port declared as dst. It checks semantic kinds first, then base types.
//
// Kind rules: a target without a format accepts any kind; a target with an
// unsuffixed kind accepts the same kind at any narrowing ("model" accepts
// "model:EmbeddingTask"); a target with a suffixed kind requires the exact
// narrowed kind.
//
// A scalar source is also compatible with an array target whose element
// schema accepts it, since multi-edge inputs accumulate into arrays.
func Compatible(src, dst *Schema) bool {
	if src == nil || dst == nil {
		return false
	}
	if dst.Any || src.Any {
		return true
	}
	if !kindCompatible(src.Format, dst.Format) {
		return false
	}
	if typeCompatible(src, dst) {
		return true
	}
	if dst.Type == TypeArray && dst.Items != nil &&
		kindCompatible(src.Format, dst.Items.Format) &&
		typeCompatible(src, dst.Items) {
		return true
	}
	// Replicating ports accept an array of their element type.
	if dst.Replicate && src.Type == TypeArray {
		if src.Items == nil {
			return true
		}
		if kindCompatible(src.Items.Format, dst.Format) && typeCompatible(src.Items, dst) {
			return true
		}
	}
	return false
}

func kindCompatible(src, dst string) bool {
	if dst == "" {
		return true
	}
	if src == "" {
		return false
	}
	sKind, sSuffix := (&Schema{Format: src}).Kind()
	dKind, dSuffix := (&Schema{Format: dst}).Kind()
	if sKind != dKind {
		return false
	}
	if dSuffix == "" {
		return true
	}
	return sSuffix == dSuffix
}

func typeCompatible(src, dst *Schema) bool {
	if dst.Type == "" || src.Type == "" {
		return true
	}
	if src.Type != dst.Type {
		return false
	}
	switch dst.Type {
	case TypeArray:
		if dst.Items == nil || src.Items == nil {
			return true
		}
		return Compatible(src.Items, dst.Items)
	case TypeObject:
		// Every port the target declares must be satisfiable by the source.
		for name, dp := range dst.Properties {
			sp := src.Port(name)
			if sp == nil {
				if required(dst, name) && !src.AdditionalProperties {
					return false
				}
				continue
			}
			if !Compatible(sp, dp) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

func required(s *Schema, name string) bool {
	for _, r := range s.Required {
		if r == name {
			return true
		}
	}
	return false
}
