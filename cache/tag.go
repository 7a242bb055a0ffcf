package cache

// TagType names a category of cached data, e.g. "Document" or "User".
// The set of valid tag types is closed at endpoint registration time;
// invalidation resolution is a map lookup keyed by type and id, never
// string pattern matching.
type TagType string

// WildcardID is the sentinel id matching collection-level invalidation.
// A tag with this id stands for "the whole collection of this type":
// invalidating it marks stale every entry providing any tag of the type,
// and providing it makes an entry stale whenever any id of the type is
// invalidated.
const WildcardID = "LIST"

// Tag is a typed label attached to cached query results. Mutations
// declare the tags they invalidate; the store resolves them to entries
// through the reverse index.
type Tag struct {
	Type TagType
	ID   string
}

// NewTag creates a tag for a specific entity id.
func NewTag(t TagType, id string) Tag {
	return Tag{Type: t, ID: id}
}

// ListTag creates the collection-level tag for a type.
func ListTag(t TagType) Tag {
	return Tag{Type: t, ID: WildcardID}
}

// IsList reports whether the tag is a collection-level tag.
func (t Tag) IsList() bool {
	return t.ID == WildcardID
}

func (t Tag) String() string {
	return string(t.Type) + ":" + t.ID
}
