package compose

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownEventType is returned when an envelope names an event this package does not define.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrInternalEvent is returned by DecodeIntent for events only the coordinator may emit.
	ErrInternalEvent = errors.New("event is emitted by the server only")
)

// Envelope is the wire form of an event.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type decoder struct {
	decode func(payload []byte) (Event, error)
	intent bool
}

func decodeAs[T Event](payload []byte) (Event, error) {
	var e T
	if len(payload) == 0 {
		return e, nil
	}
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, err
	}
	return e, nil
}

func intent[T Event]() decoder   { return decoder{decode: decodeAs[T], intent: true} }
func internal[T Event]() decoder { return decoder{decode: decodeAs[T]} }

var decoders = map[EventType]decoder{
	TypeNewDraft:         intent[NewDraft](),
	TypeUpdateLocalDraft: intent[UpdateLocalDraft](),
	TypeCloseMailbox:     intent[CloseMailbox](),
	TypeClearDraft:       intent[ClearDraft](),

	TypeSendMail:          intent[SendMail](),
	TypeSendMailSuccess:   internal[SendMailSuccess](),
	TypeSendMailFailure:   internal[SendMailFailure](),
	TypeCreateMail:        intent[CreateMail](),
	TypeCreateMailSuccess: internal[CreateMailSuccess](),
	TypeCreateMailFailure: internal[CreateMailFailure](),

	TypeGetUsersKeys:         intent[GetUsersKeys](),
	TypeGetUsersKeysSuccess:  internal[GetUsersKeysSuccess](),
	TypeGetUsersKeysFailure:  internal[GetUsersKeysFailure](),
	TypeMatchContactUserKeys: intent[MatchContactUserKeys](),

	TypeUploadAttachment:          intent[UploadAttachment](),
	TypeUploadAttachmentRequest:   internal[UploadAttachmentRequest](),
	TypeUploadAttachmentProgress:  internal[UploadAttachmentProgress](),
	TypeUploadAttachmentSuccess:   internal[UploadAttachmentSuccess](),
	TypeUploadAttachmentFailure:   internal[UploadAttachmentFailure](),
	TypeDeleteAttachment:          intent[DeleteAttachment](),
	TypeDeleteAttachmentSuccess:   internal[DeleteAttachmentSuccess](),
	TypeDeleteAttachmentFailure:   internal[DeleteAttachmentFailure](),
	TypeStartAttachmentEncryption: intent[StartAttachmentEncryption](),
	TypeUpdateDraftAttachment:     internal[UpdateDraftAttachment](),

	TypeUpdatePGPEncryptedContent: intent[UpdatePGPEncryptedContent](),
	TypeUpdatePGPMimeEncrypted:    intent[UpdatePGPMimeEncrypted](),
	TypeUpdateSignContent:         intent[UpdateSignContent](),
}

// DecodeEvent decodes any event from its envelope.
func DecodeEvent(env Envelope) (Event, error) {
	d, ok := decoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}
	e, err := d.decode(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", env.Type, err)
	}
	return e, nil
}

// DecodeIntent decodes an event sent by a client. Completion events
// (successes, failures, progress) are refused with ErrInternalEvent.
func DecodeIntent(env Envelope) (Event, error) {
	d, ok := decoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}
	if !d.intent {
		return nil, fmt.Errorf("%w: %s", ErrInternalEvent, env.Type)
	}
	return DecodeEvent(env)
}
