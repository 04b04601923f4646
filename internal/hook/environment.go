package hook

import "strings"

// Overlay is an ordered list of "K=V" strings (§3 Environment overlay).
// Set appends or replaces at realization time: later entries for the
// same key win, but the key's position in the realized vector is that
// of its first appearance.
type Overlay []string

// Set appends a "K=V" entry.
func (o Overlay) Set(key, value string) Overlay {
	return append(o, key+"="+value)
}

// SetList appends a single "K=v1 v2 …" entry, space-joining values.
func (o Overlay) SetList(key string, values []string) Overlay {
	return append(o, key+"="+strings.Join(values, " "))
}

// Realize collapses one or more overlays, applied in argument order,
// into a final envp vector with last-wins semantics per key and
// first-appearance ordering.
func Realize(overlays ...Overlay) []string {
	order := make([]string, 0)
	values := make(map[string]string)

	for _, overlay := range overlays {
		for _, entry := range overlay {
			key, value, ok := strings.Cut(entry, "=")
			if !ok {
				continue
			}
			if _, seen := values[key]; !seen {
				order = append(order, key)
			}
			values[key] = value
		}
	}

	out := make([]string, 0, len(order))
	for _, key := range order {
		out = append(out, key+"="+values[key])
	}
	return out
}
