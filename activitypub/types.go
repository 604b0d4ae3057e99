package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/agora/domain"
	"github.com/go-playground/validator/v10"
)

const (
	ContentType            = "application/activity+json"
	LDContentType          = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
)

var validate = validator.New()

// StringList decodes a JSON string or array of strings, as used by to and cc.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*l = list
	return nil
}

func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

type PublicKeyDoc struct {
	Id           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem" validate:"required"`
}

type EndpointsDoc struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// ActorDoc is a Person, Group (community), Application (site) or Feed.
type ActorDoc struct {
	Context                   any           `json:"@context,omitempty"`
	Id                        string        `json:"id" validate:"required,url"`
	Type                      string        `json:"type" validate:"required"`
	PreferredUsername         string        `json:"preferredUsername" validate:"required"`
	Name                      string        `json:"name,omitempty"`
	Summary                   string        `json:"summary,omitempty"`
	Inbox                     string        `json:"inbox" validate:"required,url"`
	Outbox                    string        `json:"outbox,omitempty"`
	Followers                 string        `json:"followers,omitempty"`
	Moderators                string        `json:"attributedTo,omitempty"`
	Endpoints                 *EndpointsDoc `json:"endpoints,omitempty"`
	PublicKey                 PublicKeyDoc  `json:"publicKey"`
	ManuallyApprovesFollowers bool          `json:"manuallyApprovesFollowers,omitempty"`
	Published                 *time.Time    `json:"published,omitempty"`
}

// TagDoc is a mention inside a comment.
type TagDoc struct {
	Type string `json:"type"`
	Href string `json:"href"`
	Name string `json:"name"`
}

// ObjectDoc is a Page (post), Note (comment) or ChatMessage (private message).
type ObjectDoc struct {
	Context      any        `json:"@context,omitempty"`
	Id           string     `json:"id" validate:"required,url"`
	Type         string     `json:"type" validate:"required"`
	AttributedTo string     `json:"attributedTo" validate:"required,url"`
	To           StringList `json:"to,omitempty"`
	Cc           StringList `json:"cc,omitempty"`
	Audience     string     `json:"audience,omitempty"`
	InReplyTo    string     `json:"inReplyTo,omitempty"`
	Name         string     `json:"name,omitempty"`
	Content      string     `json:"content,omitempty"`
	MediaType    string     `json:"mediaType,omitempty"`
	URL          string     `json:"url,omitempty"`
	Sensitive    bool       `json:"sensitive,omitempty"`
	// Posts only. An absent commentsEnabled means the post is open.
	CommentsEnabled *bool      `json:"commentsEnabled,omitempty"`
	Stickied        bool       `json:"stickied,omitempty"`
	Tag             []TagDoc   `json:"tag,omitempty"`
	Published       *time.Time `json:"published,omitempty"`
	Updated         *time.Time `json:"updated,omitempty"`
}

// ActivityDoc is any activity. Object stays raw because it is either a
// ref string or an embedded object or activity.
type ActivityDoc struct {
	Context   any             `json:"@context,omitempty"`
	Id        string          `json:"id" validate:"required,url"`
	Type      string          `json:"type" validate:"required"`
	Actor     string          `json:"actor" validate:"required,url"`
	Object    json.RawMessage `json:"object,omitempty"`
	Target    string          `json:"target,omitempty"`
	To        StringList      `json:"to,omitempty"`
	Cc        StringList      `json:"cc,omitempty"`
	Audience  string          `json:"audience,omitempty"`
	Summary   string          `json:"summary,omitempty"`
	Published *time.Time      `json:"published,omitempty"`
}

// CollectionDoc is an OrderedCollection (outbox, followers, moderators).
type CollectionDoc struct {
	Context      any               `json:"@context,omitempty"`
	Id           string            `json:"id"`
	Type         string            `json:"type"`
	TotalItems   int               `json:"totalItems"`
	OrderedItems []json.RawMessage `json:"orderedItems"`
}

// TombstoneDoc replaces deleted objects.
type TombstoneDoc struct {
	Context    any    `json:"@context,omitempty"`
	Id         string `json:"id"`
	Type       string `json:"type"`
	FormerType string `json:"formerType,omitempty"`
}

// typeOnly peeks at id and type of any document.
type typeOnly struct {
	Id   string `json:"id"`
	Type string `json:"type"`
}

func peekType(raw []byte) (typeOnly, error) {
	var t typeOnly
	if err := json.Unmarshal(raw, &t); err != nil {
		return t, err
	}
	return t, nil
}

// ObjectId returns the id of the activity's object, embedded or not.
func (a *ActivityDoc) ObjectId() string {
	id, _ := refOrEmbeddedId(a.Object)
	return id
}

// EmbeddedObject reports whether object is a nested document rather than a ref.
func (a *ActivityDoc) EmbeddedObject() bool {
	_, embedded := refOrEmbeddedId(a.Object)
	return embedded
}

// ObjectType returns the type of an embedded object, or "" for plain refs.
func (a *ActivityDoc) ObjectType() string {
	if !a.EmbeddedObject() {
		return ""
	}
	t, _ := peekType(a.Object)
	return t.Type
}

func refOrEmbeddedId(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	if raw[0] == '"' {
		var s string
		json.Unmarshal(raw, &s)
		return s, false
	}
	t, err := peekType(raw)
	if err != nil {
		return "", false
	}
	return t.Id, true
}

func decodeValid(raw []byte, doc any) error {
	if err := json.Unmarshal(raw, doc); err != nil {
		return err
	}
	return validate.Struct(doc)
}

func isActorType(t string) bool {
	switch t {
	case "Person", "Service", "Group", "Application", "Feed":
		return true
	}
	return false
}

func isObjectType(t string) bool {
	switch t {
	case "Page", "Article", "Note", "ChatMessage":
		return true
	}
	return false
}

func actorKindFor(t string) (domain.ActorKind, error) {
	switch t {
	case "Person", "Service":
		return domain.ActorPerson, nil
	case "Group":
		return domain.ActorCommunity, nil
	case "Application":
		return domain.ActorSite, nil
	case "Feed":
		return domain.ActorFeed, nil
	}
	return "", fmt.Errorf("%w: %s is not an actor", ErrNotAnExpectedType, t)
}

// ActorDocFor renders a local actor.
func ActorDocFor(actor *domain.CachedActor) ActorDoc {
	ref := actor.Ref.String()
	doc := ActorDoc{
		Context:           []string{ActivityStreamsContext, SecurityContext},
		Id:                ref,
		Type:              string(actor.Kind),
		PreferredUsername: actor.Name,
		Name:              actor.DisplayName,
		Summary:           actor.Summary,
		Inbox:             actor.InboxURI,
		Outbox:            actor.OutboxURI,
		Followers:         actor.FollowersURI,
		PublicKey: PublicKeyDoc{
			Id:           KeyId(actor.Ref),
			Owner:        ref,
			PublicKeyPem: actor.PublicKeyPem,
		},
		ManuallyApprovesFollowers: actor.Private,
	}
	if actor.Kind == domain.ActorCommunity {
		doc.Moderators = ref + "/moderators"
	}
	if actor.SharedInboxURI != "" {
		doc.Endpoints = &EndpointsDoc{SharedInbox: actor.SharedInboxURI}
	}
	if !actor.CreatedAt.IsZero() {
		published := actor.CreatedAt.UTC()
		doc.Published = &published
	}
	return doc
}

// ObjectDocFor renders a post, comment or private message.
func ObjectDocFor(obj *domain.CachedObject) ObjectDoc {
	published := obj.Published.UTC()
	doc := ObjectDoc{
		Context:      ActivityStreamsContext,
		Id:           obj.Ref.String(),
		Type:         string(obj.Kind),
		AttributedTo: obj.AttributedTo.String(),
		Name:         obj.Name,
		Content:      obj.Content,
		MediaType:    "text/html",
		URL:          obj.URL,
		Sensitive:    obj.Sensitive,
		Published:    &published,
		Updated:      obj.Updated,
	}
	switch obj.Kind {
	case domain.ObjectPost:
		doc.To = StringList{obj.Community.String(), domain.PublicAddress}
		doc.Audience = obj.Community.String()
		commentsEnabled := !obj.Locked
		doc.CommentsEnabled = &commentsEnabled
		doc.Stickied = obj.Stickied
	case domain.ObjectComment:
		doc.To = StringList{domain.PublicAddress}
		doc.InReplyTo = obj.InReplyTo().String()
	case domain.ObjectPrivateMessage:
		doc.To = StringList{obj.Recipient.String()}
	}
	return doc
}

// Tombstone renders a deleted or removed object.
func Tombstone(obj *domain.CachedObject) TombstoneDoc {
	return TombstoneDoc{
		Context:    ActivityStreamsContext,
		Id:         obj.Ref.String(),
		Type:       "Tombstone",
		FormerType: string(obj.Kind),
	}
}

func isActivityStreamsContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.HasPrefix(ct, ContentType) ||
		(strings.HasPrefix(ct, "application/ld+json") && strings.Contains(ct, "activitystreams"))
}
