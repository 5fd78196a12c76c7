package extension

import "strings"

// Namespace prefixes a backend id for use outside the extension.
func Namespace(prefix, id string) string {
	if id == "" || strings.HasPrefix(id, prefix) {
		return id
	}

	return prefix + id
}

// Strip removes the prefix added by Namespace before the id goes back to the
// backend. Ids without the prefix are returned unchanged.
func Strip(prefix, id string) string {
	return strings.TrimPrefix(id, prefix)
}
