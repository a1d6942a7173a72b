// Package translate defines the shared pieces of the dialect translation
// layer. Concrete dialects live in the subpackages openaiwire, azure, and
// gemini.
package translate

// Loss is the side output of a lossy transformation: the public-schema fields
// the target dialect could not carry. Call sites re-inject what they can
// (URL, headers) and log the rest for diagnostics.
type Loss struct {
	Fields []string
}

// Record notes a dropped or relocated field.
func (l *Loss) Record(field string) {
	l.Fields = append(l.Fields, field)
}

// Empty reports whether the transformation was lossless.
func (l *Loss) Empty() bool { return len(l.Fields) == 0 }
