package compose

import (
	"context"

	"github.com/vdavid/vmail/composer/internal/models"
)

// EventType names an event on the wire.
type EventType string

const (
	TypeNewDraft         EventType = "NEW_DRAFT"
	TypeUpdateLocalDraft EventType = "UPDATE_LOCAL_DRAFT"
	TypeCloseMailbox     EventType = "CLOSE_MAILBOX"
	TypeClearDraft       EventType = "CLEAR_DRAFT"

	TypeSendMail          EventType = "SEND_MAIL"
	TypeSendMailSuccess   EventType = "SEND_MAIL_SUCCESS"
	TypeSendMailFailure   EventType = "SEND_MAIL_FAILURE"
	TypeCreateMail        EventType = "CREATE_MAIL"
	TypeCreateMailSuccess EventType = "CREATE_MAIL_SUCCESS"
	TypeCreateMailFailure EventType = "CREATE_MAIL_FAILURE"

	TypeGetUsersKeys         EventType = "GET_USERS_KEYS"
	TypeGetUsersKeysSuccess  EventType = "GET_USERS_KEYS_SUCCESS"
	TypeGetUsersKeysFailure  EventType = "GET_USERS_KEYS_FAILURE"
	TypeMatchContactUserKeys EventType = "MATCH_CONTACT_USER_KEYS"

	TypeUploadAttachment          EventType = "UPLOAD_ATTACHMENT"
	TypeUploadAttachmentRequest   EventType = "UPLOAD_ATTACHMENT_REQUEST"
	TypeUploadAttachmentProgress  EventType = "UPLOAD_ATTACHMENT_PROGRESS"
	TypeUploadAttachmentSuccess   EventType = "UPLOAD_ATTACHMENT_SUCCESS"
	TypeUploadAttachmentFailure   EventType = "UPLOAD_ATTACHMENT_FAILURE"
	TypeDeleteAttachment          EventType = "DELETE_ATTACHMENT"
	TypeDeleteAttachmentSuccess   EventType = "DELETE_ATTACHMENT_SUCCESS"
	TypeDeleteAttachmentFailure   EventType = "DELETE_ATTACHMENT_FAILURE"
	TypeStartAttachmentEncryption EventType = "START_ATTACHMENT_ENCRYPTION"
	TypeUpdateDraftAttachment     EventType = "UPDATE_DRAFT_ATTACHMENT"

	TypeUpdatePGPEncryptedContent EventType = "UPDATE_PGP_ENCRYPTED_CONTENT"
	TypeUpdatePGPMimeEncrypted    EventType = "UPDATE_PGP_MIME_ENCRYPTED"
	TypeUpdateSignContent         EventType = "UPDATE_SIGN_CONTENT"
)

// Event is anything the store can apply. Types the reducer does not know are
// applied as the identity transition.
type Event interface {
	Type() EventType
}

// AttachmentRef addresses one attachment of one draft.
type AttachmentRef struct {
	DraftID      int64  `json:"draftId"`
	AttachmentID string `json:"attachmentId"`
}

// DraftRef is the draft as it was when a save was issued.
type DraftRef struct {
	ID   int64       `json:"id"`
	Mail models.Mail `json:"draft"`
}

type (
	NewDraft struct {
		Draft
	}

	UpdateLocalDraft struct {
		ID int64 `json:"id"`
		DraftPatch
	}

	CloseMailbox struct {
		ID int64 `json:"id"`
	}

	ClearDraft struct {
		ID int64 `json:"id"`
	}
)

type (
	SendMail struct {
		ID int64 `json:"id"`
	}

	SendMailSuccess struct {
		ID int64 `json:"id"`
	}

	SendMailFailure struct {
		ID int64 `json:"id"`
	}

	CreateMail struct {
		ID int64 `json:"id"`
	}

	// CreateMailSuccess carries the server copy of a saved draft. Attachments
	// in Response must already carry their local attachment ids.
	CreateMailSuccess struct {
		Draft    DraftRef    `json:"draft"`
		Response models.Mail `json:"response"`
	}

	CreateMailFailure struct {
		ID int64 `json:"id"`
	}
)

type (
	GetUsersKeys struct {
		DraftID int64       `json:"draftId,omitempty"`
		Draft   *DraftPatch `json:"draft,omitempty"`
		Emails  []string    `json:"emails"`
		// IsBlind marks a background lookup whose result must not replace the
		// keys already selected on the draft.
		IsBlind bool `json:"isBlind"`
	}

	GetUsersKeysSuccess struct {
		DraftID int64            `json:"draftId,omitempty"`
		IsBlind bool             `json:"isBlind"`
		Data    models.KeyLookup `json:"data"`
	}

	GetUsersKeysFailure struct {
		DraftID int64    `json:"draftId,omitempty"`
		Emails  []string `json:"emails"`
	}

	MatchContactUserKeys struct {
		Intent ContactKeyIntent
	}
)

type (
	// UploadAttachment starts (ID == 0) or restarts (ID != 0) an upload.
	UploadAttachment struct {
		models.Attachment
	}

	UploadAttachmentRequest struct {
		AttachmentRef
		Request context.CancelFunc `json:"-"`
	}

	UploadAttachmentProgress struct {
		AttachmentRef
		Progress int `json:"progress"`
	}

	// UploadAttachmentSuccess carries the server record in Response. The caller
	// sets IsPGPMimeMessage when the upload is the PGP/MIME container.
	UploadAttachmentSuccess struct {
		Data             models.Attachment `json:"data"`
		IsPGPMimeMessage bool              `json:"isPGPMimeMessage"`
		Response         models.Attachment `json:"response"`
	}

	UploadAttachmentFailure struct {
		AttachmentRef
	}

	DeleteAttachment struct {
		AttachmentRef
	}

	DeleteAttachmentSuccess struct {
		AttachmentRef
	}

	DeleteAttachmentFailure struct {
		AttachmentRef
	}

	StartAttachmentEncryption struct {
		AttachmentRef
	}

	UpdateDraftAttachment struct {
		DraftID    int64             `json:"draftId"`
		Attachment models.Attachment `json:"attachment"`
	}
)

type (
	// UpdatePGPEncryptedContent with IsPGPInProgress and no content asks for
	// the body to be encrypted; the answer arrives as the same event with the
	// armored result.
	UpdatePGPEncryptedContent struct {
		DraftID          int64  `json:"draftId"`
		IsPGPInProgress  bool   `json:"isPGPInProgress"`
		EncryptedContent string `json:"encryptedContent"`
	}

	UpdatePGPMimeEncrypted struct {
		DraftID             int64  `json:"draftId"`
		IsPGPMimeInProgress bool   `json:"isPGPMimeInProgress"`
		EncryptedContent    string `json:"encryptedContent"`
	}

	UpdateSignContent struct {
		DraftID     int64  `json:"draftId"`
		SignContent string `json:"signContent"`
	}
)

func (NewDraft) Type() EventType         { return TypeNewDraft }
func (UpdateLocalDraft) Type() EventType { return TypeUpdateLocalDraft }
func (CloseMailbox) Type() EventType     { return TypeCloseMailbox }
func (ClearDraft) Type() EventType       { return TypeClearDraft }

func (SendMail) Type() EventType          { return TypeSendMail }
func (SendMailSuccess) Type() EventType   { return TypeSendMailSuccess }
func (SendMailFailure) Type() EventType   { return TypeSendMailFailure }
func (CreateMail) Type() EventType        { return TypeCreateMail }
func (CreateMailSuccess) Type() EventType { return TypeCreateMailSuccess }
func (CreateMailFailure) Type() EventType { return TypeCreateMailFailure }

func (GetUsersKeys) Type() EventType         { return TypeGetUsersKeys }
func (GetUsersKeysSuccess) Type() EventType  { return TypeGetUsersKeysSuccess }
func (GetUsersKeysFailure) Type() EventType  { return TypeGetUsersKeysFailure }
func (MatchContactUserKeys) Type() EventType { return TypeMatchContactUserKeys }

func (UploadAttachment) Type() EventType          { return TypeUploadAttachment }
func (UploadAttachmentRequest) Type() EventType   { return TypeUploadAttachmentRequest }
func (UploadAttachmentProgress) Type() EventType  { return TypeUploadAttachmentProgress }
func (UploadAttachmentSuccess) Type() EventType   { return TypeUploadAttachmentSuccess }
func (UploadAttachmentFailure) Type() EventType   { return TypeUploadAttachmentFailure }
func (DeleteAttachment) Type() EventType          { return TypeDeleteAttachment }
func (DeleteAttachmentSuccess) Type() EventType   { return TypeDeleteAttachmentSuccess }
func (DeleteAttachmentFailure) Type() EventType   { return TypeDeleteAttachmentFailure }
func (StartAttachmentEncryption) Type() EventType { return TypeStartAttachmentEncryption }
func (UpdateDraftAttachment) Type() EventType     { return TypeUpdateDraftAttachment }

func (UpdatePGPEncryptedContent) Type() EventType { return TypeUpdatePGPEncryptedContent }
func (UpdatePGPMimeEncrypted) Type() EventType    { return TypeUpdatePGPMimeEncrypted }
func (UpdateSignContent) Type() EventType         { return TypeUpdateSignContent }
