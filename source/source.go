// Package source models the upstream change-data-capture system: how to
// authenticate against it, the events it streams and the lookups it answers.
// The force subpackage implements it for Salesforce orgs.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

var (
	// ErrNoCredentials means no credential set in the configuration is complete
	ErrNoCredentials = errors.New("requires source url, instance_url + access_token, or username + password")

	// ErrAuthentication means the source rejected the session at startup
	ErrAuthentication = errors.New("source authentication failed")

	// ErrSessionInvalid means the source revoked a running session
	ErrSessionInvalid = errors.New("source session became invalid")
)

// Identity is the account a session is authenticated as
type Identity struct {
	UserID         string `json:"user_id"`
	Username       string `json:"preferred_username"`
	OrganizationID string `json:"organization_id"`
}

// ReplayFrom is where a subscription starts. The zero value means "only
// events published from now on".
type ReplayFrom struct {
	ID       int64
	Explicit bool
}

// ReplayLatest starts at the current position
var ReplayLatest = ReplayFrom{}

// ReplayAt resumes at exactly id
func ReplayAt(id int64) ReplayFrom {
	return ReplayFrom{ID: id, Explicit: true}
}

func (r ReplayFrom) String() string {
	if !r.Explicit {
		return "latest"
	}
	return fmt.Sprintf("%d", r.ID)
}

// EventInfo carries the transport position of an event
type EventInfo struct {
	ReplayID int64 `json:"replayId"`
}

// RawEvent is one change event as delivered by the streaming transport
type RawEvent struct {
	Topic   string         `json:"-"`
	Schema  string         `json:"schema,omitempty"`
	Payload map[string]any `json:"payload"`
	Event   EventInfo      `json:"event"`
}

// ChangeHeader is the ChangeEventHeader embedded in every change event payload
type ChangeHeader struct {
	EntityName      string   `mapstructure:"entityName"`
	ChangeType      string   `mapstructure:"changeType"`
	ChangeOrigin    string   `mapstructure:"changeOrigin"`
	TransactionKey  string   `mapstructure:"transactionKey"`
	SequenceNumber  int64    `mapstructure:"sequenceNumber"`
	CommitTimestamp int64    `mapstructure:"commitTimestamp"`
	CommitNumber    int64    `mapstructure:"commitNumber"`
	CommitUser      string   `mapstructure:"commitUser"`
	RecordIDs       []string `mapstructure:"recordIds"`
}

// Header decodes the ChangeEventHeader from the payload. A payload without
// a header yields the zero header.
func (e RawEvent) Header() (ChangeHeader, error) {
	var h ChangeHeader

	raw, ok := e.Payload["ChangeEventHeader"]
	if !ok || raw == nil {
		return h, nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &h,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return h, err
	}
	if err := dec.Decode(raw); err != nil {
		return ChangeHeader{}, fmt.Errorf("malformed ChangeEventHeader: %w", err)
	}
	return h, nil
}

// TransportEvent is a connectivity transition of the streaming transport
type TransportEvent struct {
	Up     bool
	Reason string
}

// Session is an authenticated connection to the source
type Session interface {
	Identity(ctx context.Context) (Identity, error)
	// Lookup returns the Name of record id of entityType; ok is false
	// when no such record exists.
	Lookup(ctx context.Context, entityType, id string) (name string, ok bool, err error)
}

// Streamer delivers change events for subscribed topics
type Streamer interface {
	// Subscribe registers topic and returns its event channel, closed when
	// Run returns. Events on one channel arrive in transport order.
	Subscribe(ctx context.Context, topic string, from ReplayFrom) (<-chan RawEvent, error)
	// Transport reports connectivity transitions
	Transport() <-chan TransportEvent
	// Run maintains the connection until ctx is done or the session becomes
	// invalid, in which case the error wraps ErrSessionInvalid.
	Run(ctx context.Context) error
}
