package coordinator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/vdavid/vmail/composer/internal/compose"
	"github.com/vdavid/vmail/composer/internal/mailer"
	"github.com/vdavid/vmail/composer/internal/models"
)

// AttachmentService stores and removes attachment content.
type AttachmentService interface {
	Upload(ctx context.Context, userID string, messageID int64, attachment models.Attachment, data []byte, progress func(int)) (models.Attachment, error)
	Delete(ctx context.Context, userID string, id int64) error
	Content(ctx context.Context, userID string, id int64) (models.Attachment, []byte, error)
}

// KeyService looks up and records recipient public keys.
type KeyService interface {
	GetUsersKeys(ctx context.Context, userID string, emails []string) (models.KeyLookup, error)
	AddContactKey(ctx context.Context, userID, email, armored string) error
}

// MailService persists and delivers drafts.
type MailService interface {
	Save(ctx context.Context, userID string, mail models.Mail) (models.Mail, error)
	Send(ctx context.Context, userID string, mail models.Mail) error
}

// Engine performs the PGP operations of a draft.
type Engine interface {
	EncryptContent(ctx context.Context, content string, keys []models.PublicKey) (string, error)
	EncryptAttachment(ctx context.Context, data []byte, keys []models.PublicKey) ([]byte, error)
	BuildPGPMime(ctx context.Context, mail models.Mail, files []mailer.File, keys []models.PublicKey) (string, error)
}

// Notifier delivers user-facing notifications.
type Notifier interface {
	Notify(userID string, notification models.Notification)
}

// Deps are the collaborators of a coordinator.
type Deps struct {
	Attachments AttachmentService
	Keys        KeyService
	Mail        MailService
	Engine      Engine
	Notifier    Notifier
}

type opKind int

const (
	opSave opKind = iota
	opSend
	opAttachment
	opEncryptContent
	opPGPMime
)

// attachmentOp is what the single outstanding call on an attachment does.
type attachmentOp int

const (
	attachmentUpload attachmentOp = iota
	attachmentEncrypt
	attachmentDelete
)

// callKey identifies one outstanding collaborator call. Draft-level calls
// leave attachmentID empty.
type callKey struct {
	draftID      int64
	attachmentID string
	op           opKind
}

func attachmentKey(ref compose.AttachmentRef) callKey {
	return callKey{draftID: ref.DraftID, attachmentID: ref.AttachmentID, op: opAttachment}
}

// call is the bookkeeping of one outstanding call.
type call struct {
	cancel context.CancelFunc
	// again is set when the same save was requested while this one ran.
	again bool

	attachment attachmentOp
	// abandoned is set when the attachment was deleted while the call ran.
	// persistedID is the server id it had before the call started.
	abandoned   bool
	persistedID int64
	// encryptAfter is set when encryption was requested during an upload.
	encryptAfter bool
}

// Coordinator runs the side effects of one user's compose store: it reacts to
// applied events by calling collaborators and dispatches their outcome back
// into the store.
//
// At most one call per draft operation and one call per attachment is
// outstanding. A repeated request while one runs is dropped, except saves,
// which run once more after the current one completes, and encryption asked
// for during an upload, which starts once the upload is applied. Key lookups
// and contact key writes are reads or idempotent and are never deduplicated.
type Coordinator struct {
	userID   string
	store    *compose.Store
	deps     Deps
	autosave time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[callKey]*call
	// flushing holds drafts for which a deferred send or save was dispatched
	// but not yet applied.
	flushing map[int64]bool

	unsubscribe func()
}

// New creates a coordinator for the store of userID. autosave is the interval
// of the auto-save timer; zero disables it.
func New(userID string, store *compose.Store, deps Deps, autosave time.Duration) *Coordinator {
	return &Coordinator{
		userID:   userID,
		store:    store,
		deps:     deps,
		autosave: autosave,
		inFlight: make(map[callKey]*call),
		flushing: make(map[int64]bool),
	}
}

// Start subscribes to the store and starts the auto-save timer. Calls made on
// behalf of the store run with contexts derived from ctx.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.unsubscribe = c.store.Subscribe(c.handle)

	if c.autosave > 0 {
		c.wg.Add(1)
		go c.runAutosave()
	}
	log.Printf("Coordinator: Started for user %s", c.userID)
}

// Stop unsubscribes, cancels outstanding calls and waits for them to return.
func (c *Coordinator) Stop() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	log.Printf("Coordinator: Stopped for user %s", c.userID)
}

// handle is the store listener. It runs after every transition and must not
// block: collaborator calls run in their own goroutines.
func (c *Coordinator) handle(event compose.Event, state compose.State) {
	switch e := event.(type) {
	case compose.CreateMail:
		c.clearFlushing(e.ID)
		c.save(state, e.ID)
	case compose.SendMail:
		c.clearFlushing(e.ID)
		c.send(state, e.ID)
	case compose.CloseMailbox:
		if d, ok := state.Draft(e.ID); ok && d.InProgress && !d.IsSaving {
			c.store.Dispatch(compose.CreateMail{ID: e.ID})
		}
	case compose.ClearDraft:
		c.cancelDraft(e.ID)
	case compose.SendMailSuccess:
		c.cancelDraft(e.ID)

	case compose.GetUsersKeys:
		c.fetchKeys(e)
	case compose.MatchContactUserKeys:
		c.recordContactKey(e)

	case compose.UploadAttachment:
		c.upload(state, compose.AttachmentRef{DraftID: e.DraftID, AttachmentID: e.AttachmentID}, e.DecryptedDocument)
	case compose.UploadAttachmentSuccess:
		ref := compose.AttachmentRef{DraftID: e.Data.DraftID, AttachmentID: e.Data.AttachmentID}
		if c.uploadApplied(ref, e.Response.ID) {
			// The queued encryption keeps the draft processing once applied.
			return
		}
	case compose.UploadAttachmentFailure:
		c.uploadApplied(e.AttachmentRef, 0)
	case compose.DeleteAttachment:
		c.deleteAttachment(state, e.AttachmentRef)
	case compose.StartAttachmentEncryption:
		c.encryptAttachment(state, e.AttachmentRef)

	case compose.UpdatePGPEncryptedContent:
		if e.IsPGPInProgress && e.EncryptedContent == "" {
			c.encryptContent(state, e.DraftID)
		}
	case compose.UpdatePGPMimeEncrypted:
		if e.IsPGPMimeInProgress && e.EncryptedContent == "" {
			c.buildPGPMime(state, e.DraftID)
		}
	}

	c.flushDeferred(state)
}

// begin registers a call. It returns nil when the same call is already outstanding.
func (c *Coordinator) begin(key callKey) *call {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.inFlight[key]; ok {
		if key.op == opSave {
			existing.again = true
		}
		return nil
	}
	cl := &call{}
	c.inFlight[key] = cl
	return cl
}

// beginAttachment registers a call on an attachment. When another call on it
// is outstanding it returns nil, after passing that call to busy under the lock.
func (c *Coordinator) beginAttachment(ref compose.AttachmentRef, op attachmentOp, busy func(running *call)) *call {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := attachmentKey(ref)
	if running, ok := c.inFlight[key]; ok {
		if busy != nil {
			busy(running)
		}
		return nil
	}
	cl := &call{attachment: op}
	c.inFlight[key] = cl
	return cl
}

// endAttachment removes the call of kind op on an attachment and returns it.
func (c *Coordinator) endAttachment(ref compose.AttachmentRef, op attachmentOp) (*call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := attachmentKey(ref)
	cl, ok := c.inFlight[key]
	if !ok || cl.attachment != op {
		return nil, false
	}
	delete(c.inFlight, key)
	return cl, true
}

// end removes a call and reports whether it was requested again meanwhile.
func (c *Coordinator) end(key callKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl, ok := c.inFlight[key]
	if !ok {
		return false
	}
	delete(c.inFlight, key)
	return cl.again
}

// cancelDraft cancels every outstanding call of a draft that left the store.
func (c *Coordinator) cancelDraft(draftID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, cl := range c.inFlight {
		if key.draftID == draftID && cl.cancel != nil {
			cl.cancel()
		}
	}
	delete(c.flushing, draftID)
}

// flushDeferred issues the send or save a draft asked for once its
// attachments have finished processing.
func (c *Coordinator) flushDeferred(state compose.State) {
	for _, id := range state.DraftIDs() {
		d, _ := state.Draft(id)
		if !(d.ShouldSend || d.ShouldSave) || d.IsProcessingAttachments || d.IsSaving {
			continue
		}

		c.mu.Lock()
		pending := c.flushing[id]
		c.flushing[id] = true
		c.mu.Unlock()
		if pending {
			continue
		}

		if d.ShouldSend {
			c.store.Dispatch(compose.SendMail{ID: id})
		} else {
			c.store.Dispatch(compose.CreateMail{ID: id})
		}
	}
}

func (c *Coordinator) clearFlushing(draftID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.flushing, draftID)
}

// goCall runs f in a tracked goroutine.
func (c *Coordinator) goCall(f func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		f()
	}()
}

func (c *Coordinator) notify(failure compose.EventType, draftID int64, message string, err error) {
	log.Printf("Coordinator: %s for user %s, draft %d: %v", failure, c.userID, draftID, err)
	if c.deps.Notifier == nil {
		return
	}
	c.deps.Notifier.Notify(c.userID, models.Notification{
		Type:    string(failure),
		Level:   "error",
		Message: message,
		DraftID: draftID,
	})
}

func (c *Coordinator) runAutosave() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.autosave)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.autosaveOnce()
		}
	}
}

// autosaveOnce saves every open draft with local changes that is not being saved.
func (c *Coordinator) autosaveOnce() {
	state := c.store.Snapshot()
	for _, id := range state.DraftIDs() {
		d, _ := state.Draft(id)
		if d.InProgress && !d.IsSaving && !d.IsSent && !d.IsClosed {
			c.store.Dispatch(compose.CreateMail{ID: id})
		}
	}
}
