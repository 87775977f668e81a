package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	PublicCollection       = "https://www.w3.org/ns/activitystreams#Public"
	FedleticNamespace      = "https://fedletic.com/ns#"
)

const (
	TypeFollow = "Follow"
	TypeAccept = "Accept"
	TypeUndo   = "Undo"
	TypeCreate = "Create"
)

var ErrInvalidActivity = errors.New("invalid activity")

// addressingFields may accompany any activity type.
var addressingFields = []string{"to", "cc", "bto", "bcc", "audience", "published"}

// allowedFields lists the extra top-level keys kept per activity type, on top of addressingFields.
// Anything else is dropped at ingestion.
var allowedFields = map[string][]string{
	TypeFollow: {},
	TypeAccept: {},
	TypeUndo:   {},
	TypeCreate: {"summary", "updated", "inReplyTo"},
}

// Activity is an immutable federation message keyed by its global URI.
// Exactly one of ObjectURI and ObjectJSON is set.
type Activity struct {
	ID               string
	ActorId          uuid.UUID
	ActorURL         string
	TargetId         uuid.NullUUID
	Type             string
	ObjectURI        string
	ObjectJSON       json.RawMessage
	AdditionalFields map[string]json.RawMessage
	Context          json.RawMessage
	RawActivity      json.RawMessage
	IsRemote         bool
	CreatedAt        time.Time
}

// AllowedField reports whether key may be stored in AdditionalFields for activityType.
func AllowedField(activityType, key string) bool {
	for _, k := range addressingFields {
		if k == key {
			return true
		}
	}
	for _, k := range allowedFields[activityType] {
		if k == key {
			return true
		}
	}
	return false
}

// FilterAdditionalFields keeps only the keys allowed for activityType and returns the dropped key names.
func FilterAdditionalFields(activityType string, fields map[string]json.RawMessage) (map[string]json.RawMessage, []string) {
	kept := make(map[string]json.RawMessage, len(fields))
	var dropped []string
	for k, v := range fields {
		if AllowedField(activityType, k) {
			kept[k] = v
		} else {
			dropped = append(dropped, k)
		}
	}
	sort.Strings(dropped)
	return kept, dropped
}

// ObjectType returns the "type" of an embedded object, or "" for URI references.
func (a *Activity) ObjectType() string {
	if len(a.ObjectJSON) == 0 {
		return ""
	}
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(a.ObjectJSON, &obj); err != nil {
		return ""
	}
	return obj.Type
}

// ObjectID is ObjectURI, or the "id" of the embedded object.
func (a *Activity) ObjectID() string {
	if a.ObjectURI != "" {
		return a.ObjectURI
	}
	var obj struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(a.ObjectJSON, &obj)
	return obj.ID
}

// ObjectField decodes a single field of the embedded object into v.
func (a *Activity) ObjectField(key string, v any) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(a.ObjectJSON, &obj); err != nil {
		return err
	}
	raw, ok := obj[key]
	if !ok {
		return fmt.Errorf("object has no %q", key)
	}
	return json.Unmarshal(raw, v)
}

// ToJSON renders the activity as it is sent on the wire. Keys are emitted in a stable order.
func (a *Activity) ToJSON() ([]byte, error) {
	doc := make(map[string]json.RawMessage, len(a.AdditionalFields)+5)
	for k, v := range a.AdditionalFields {
		doc[k] = v
	}

	ctx := a.Context
	if len(ctx) == 0 {
		ctx, _ = json.Marshal(ActivityStreamsContext)
	}
	doc["@context"] = ctx

	var err error
	if doc["id"], err = json.Marshal(a.ID); err != nil {
		return nil, err
	}
	if doc["type"], err = json.Marshal(a.Type); err != nil {
		return nil, err
	}
	if doc["actor"], err = json.Marshal(a.ActorURL); err != nil {
		return nil, err
	}
	if len(a.ObjectJSON) > 0 {
		doc["object"] = a.ObjectJSON
	} else if doc["object"], err = json.Marshal(a.ObjectURI); err != nil {
		return nil, err
	}

	// encoding/json sorts map keys
	return json.Marshal(doc)
}

// ParseActivity reads an inbound ActivityPub payload. IsRemote and the actor/target ids are
// left for the caller to fill in.
func ParseActivity(raw []byte) (*Activity, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidActivity, err)
	}

	act := &Activity{
		Context:     doc["@context"],
		RawActivity: append(json.RawMessage(nil), raw...),
	}
	if err := unmarshalString(doc, "id", &act.ID); err != nil {
		return nil, err
	}
	if err := unmarshalString(doc, "type", &act.Type); err != nil {
		return nil, err
	}
	if err := actorField(doc["actor"], &act.ActorURL); err != nil {
		return nil, err
	}

	object := bytes.TrimSpace(doc["object"])
	switch {
	case len(object) == 0:
		return nil, fmt.Errorf("%w: missing object", ErrInvalidActivity)
	case object[0] == '"':
		if err := json.Unmarshal(object, &act.ObjectURI); err != nil {
			return nil, fmt.Errorf("%w: object: %v", ErrInvalidActivity, err)
		}
	case object[0] == '{':
		act.ObjectJSON = append(json.RawMessage(nil), object...)
	default:
		return nil, fmt.Errorf("%w: object must be a URI or an object", ErrInvalidActivity)
	}

	extra := make(map[string]json.RawMessage)
	for k, v := range doc {
		switch k {
		case "@context", "id", "type", "actor", "object":
			continue
		}
		extra[k] = v
	}
	act.AdditionalFields, _ = FilterAdditionalFields(act.Type, extra)
	return act, nil
}

func unmarshalString(doc map[string]json.RawMessage, key string, dst *string) error {
	raw, ok := doc[key]
	if !ok {
		return fmt.Errorf("%w: missing %s", ErrInvalidActivity, key)
	}
	if err := json.Unmarshal(raw, dst); err != nil || *dst == "" {
		return fmt.Errorf("%w: %s must be a non-empty string", ErrInvalidActivity, key)
	}
	return nil
}

// actorField accepts "actor" either as a URI or as an embedded object with an id.
func actorField(raw json.RawMessage, dst *string) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing actor", ErrInvalidActivity)
	}
	if err := json.Unmarshal(raw, dst); err == nil && *dst != "" {
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || obj.ID == "" {
		return fmt.Errorf("%w: actor must be a URI", ErrInvalidActivity)
	}
	*dst = obj.ID
	return nil
}

type TaskKind string

const (
	TaskProcess TaskKind = "process"
	TaskPublish TaskKind = "publish"
)

// Task is a queued unit of asynchronous work. (Kind, ActivityID, InboxURL) is unique.
type Task struct {
	Id          uuid.UUID
	Kind        TaskKind
	ActivityID  string
	InboxURL    string
	Attempts    int
	NextRetryAt time.Time
	LastError   string
	CreatedAt   time.Time
}
