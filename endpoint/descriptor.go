package endpoint

import (
	"time"

	"github.com/jonwraymond/querysync/cache"
)

// Tag, TagType, and the wildcard id are shared with the cache layer; the
// aliases keep descriptor declarations self-contained.
type (
	Tag     = cache.Tag
	TagType = cache.TagType
)

// WildcardID is the collection-level tag id sentinel.
const WildcardID = cache.WildcardID

// Kind distinguishes reads from writes.
type Kind int

const (
	// KindQuery is a read: results are cached and provide tags.
	KindQuery Kind = iota + 1

	// KindMutation is a write: execution invalidates tags and may apply
	// an optimistic patch.
	KindMutation
)

func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindMutation:
		return "mutation"
	default:
		return "unknown"
	}
}

// Request is the transport-agnostic request spec built from arguments.
// The engine passes it to whatever Executor the host injected; the
// wire format is between the executor and the backend.
type Request struct {
	Method string
	Path   string
	Body   any
	Header map[string]string
}

// Descriptor declares one endpoint. It is copied on registration and
// immutable afterwards.
type Descriptor struct {
	// Name uniquely identifies the endpoint within a registry.
	Name string

	// Kind marks the descriptor as a query or a mutation. Left zero, it
	// is set by DefineQuery/DefineMutation.
	Kind Kind

	// BuildRequest converts an argument value into a request spec.
	// It must be pure: same args, same request.
	BuildRequest func(args any) (Request, error)

	// TagTypes declares the tag types this endpoint may emit. Types are
	// registered into the registry's closed set.
	TagTypes []TagType

	// ProvidesTags reports the tags a query result provides, used to
	// index the cached entry for invalidation. Queries only.
	ProvidesTags func(result, args any) []Tag

	// InvalidatesTags reports the tags a successful mutation invalidates.
	// Mutations only.
	InvalidatesTags func(args, result any) []Tag

	// KeepAlive is how long a result is retained after its last
	// subscriber leaves. Zero means the engine default for the kind.
	KeepAlive time.Duration

	// Patch applies an optimistic local edit to drafted cache entries
	// before the mutation's request is dispatched. Mutations only.
	Patch func(args any, drafts *cache.DraftSet) error
}

// clone copies the descriptor so later mutation of the caller's struct
// does not affect the registry.
func (d Descriptor) clone() Descriptor {
	out := d
	out.TagTypes = append([]TagType(nil), d.TagTypes...)
	return out
}
