package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Entry is one immutable row in the access-control audit trail. Entries
// are appended, never updated or deleted.
type Entry struct {
	ID             string          `json:"id"`
	ActorUserID    string          `json:"actor_user_id"`
	OrganizationID string          `json:"organization_id,omitempty"`
	Action         string          `json:"action"`
	ResourceType   string          `json:"resource_type"`
	ResourceID     string          `json:"resource_id,omitempty"`
	OldValues      json.RawMessage `json:"old_values,omitempty"`
	NewValues      json.RawMessage `json:"new_values,omitempty"`
	IPAddress      string          `json:"ip_address,omitempty"`
	UserAgent      string          `json:"user_agent,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Store is the append-only persistence sink.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, filter Filter) ([]Entry, int64, error)
}

const (
	DefaultPageSize = 25
	MaxPageSize     = 100
)

// Filter narrows and pages audit queries. Results are always ordered by
// created_at descending.
type Filter struct {
	ActorUserID    string
	OrganizationID string
	Action         string
	ResourceType   string
	Page           int
	PageSize       int
}

// Normalize clamps paging to sane bounds.
func (f Filter) Normalize() Filter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

// Request metadata travels on the context so the recorder can stamp
// forensic fields without every call site threading them through.

type metaContextKey struct{}

// Meta carries per-request forensic fields for audit entries.
type Meta struct {
	ActorUserID    string
	OrganizationID string
	IPAddress      string
	UserAgent      string
	RequestID      string
}

// WithMeta attaches request metadata to the context.
func WithMeta(ctx context.Context, meta Meta) context.Context {
	return context.WithValue(ctx, metaContextKey{}, &meta)
}

// MetaFromContext returns previously attached request metadata.
func MetaFromContext(ctx context.Context) (Meta, bool) {
	if ctx == nil {
		return Meta{}, false
	}
	v, ok := ctx.Value(metaContextKey{}).(*Meta)
	if !ok || v == nil {
		return Meta{}, false
	}
	return *v, true
}

func marshalValues(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		// Forensics must not break the mutation path; record the failure
		// in place of the unencodable value.
		return json.RawMessage(`{"_error":"unencodable values"}`)
	}
	if strings.TrimSpace(string(data)) == "null" {
		return nil
	}
	return data
}
