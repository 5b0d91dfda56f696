// Package effects defines effect types as data structures representing
// external-system mutations. Effects are pure data - they describe what
// should happen downstream, not how; the sync layer interprets them.
package effects

// Op identifies the kind of tag mutation an effect requests.
type Op string

const (
	// OpAdd requests that a tag be present on the external object.
	OpAdd Op = "add"
	// OpRemove requests that a tag be absent from the external object.
	OpRemove Op = "remove"
)

// TagEffect represents an idempotent tag mutation on the external object
// associated with an entity. Applying the same TagEffect twice must leave
// the external tag state identical to applying it once.
type TagEffect struct {
	Op  Op
	Tag string
}

// AddTag builds a TagEffect that ensures a tag is present.
func AddTag(tag string) TagEffect { return TagEffect{Op: OpAdd, Tag: tag} }

// RemoveTag builds a TagEffect that ensures a tag is absent.
func RemoveTag(tag string) TagEffect { return TagEffect{Op: OpRemove, Tag: tag} }
