package enrich

import (
	"context"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/changerelay/source"
)

// UserEntity is the entity type of commit users
const UserEntity = "User"

// EnrichedEvent is a raw event plus resolved display names keyed
// "<Type>Name", e.g. UserName and AccountName
type EnrichedEvent struct {
	Schema  string            `json:"schema,omitempty"`
	Payload map[string]any    `json:"payload"`
	Event   source.EventInfo  `json:"event"`
	Context map[string]string `json:"context"`
}

// Resolver resolves one display name
type Resolver interface {
	ResolveName(ctx context.Context, id, entityType string) (string, bool, error)
}

// Enricher attaches the commit user's and the primary record's names to events
type Enricher struct {
	names Resolver
}

// NewEnricher creates an enricher over names
func NewEnricher(names Resolver) *Enricher {
	return &Enricher{names: names}
}

type nameRequest struct {
	id         string
	entityType string
}

type nameResult struct {
	key  string
	name string
	ok   bool
}

// Enrich resolves up to two names concurrently. A missing record omits its
// key; any lookup error fails the whole event.
func (e *Enricher) Enrich(ctx context.Context, raw source.RawEvent) (EnrichedEvent, error) {
	out := EnrichedEvent{
		Schema:  raw.Schema,
		Payload: raw.Payload,
		Event:   raw.Event,
		Context: map[string]string{},
	}

	header, err := raw.Header()
	if err != nil {
		return EnrichedEvent{}, err
	}

	var requests []nameRequest
	if header.CommitUser != "" {
		requests = append(requests, nameRequest{id: header.CommitUser, entityType: UserEntity})
	}
	if len(header.RecordIDs) > 0 && header.RecordIDs[0] != "" && header.EntityName != "" {
		requests = append(requests, nameRequest{id: header.RecordIDs[0], entityType: header.EntityName})
	}

	futures := make([]*future.Future[nameResult], 0, len(requests))
	for _, req := range requests {
		p := future.NewPromise[nameResult]()
		go func(req nameRequest) {
			name, ok, err := e.names.ResolveName(ctx, req.id, req.entityType)
			p.Set(nameResult{key: req.entityType + "Name", name: name, ok: ok}, err)
		}(req)
		futures = append(futures, p.Future())
	}

	var firstErr error
	for _, f := range futures {
		r, err := f.Get()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if r.ok {
			out.Context[r.key] = r.name
		}
	}
	if firstErr != nil {
		return EnrichedEvent{}, firstErr
	}
	return out, nil
}
