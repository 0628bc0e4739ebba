package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail/composer/internal/compose"
	"github.com/vdavid/vmail/composer/internal/mailer"
	"github.com/vdavid/vmail/composer/internal/models"
)

const testUser = "user-1"

type mockAttachments struct {
	mock.Mock
}

func (m *mockAttachments) Upload(ctx context.Context, userID string, messageID int64, attachment models.Attachment, data []byte, progress func(int)) (models.Attachment, error) {
	args := m.Called(ctx, userID, messageID, attachment, data, progress)
	return args.Get(0).(models.Attachment), args.Error(1)
}

func (m *mockAttachments) Delete(ctx context.Context, userID string, id int64) error {
	return m.Called(ctx, userID, id).Error(0)
}

func (m *mockAttachments) Content(ctx context.Context, userID string, id int64) (models.Attachment, []byte, error) {
	args := m.Called(ctx, userID, id)
	data, _ := args.Get(1).([]byte)
	return args.Get(0).(models.Attachment), data, args.Error(2)
}

type mockKeys struct {
	mock.Mock
}

func (m *mockKeys) GetUsersKeys(ctx context.Context, userID string, emails []string) (models.KeyLookup, error) {
	args := m.Called(ctx, userID, emails)
	return args.Get(0).(models.KeyLookup), args.Error(1)
}

func (m *mockKeys) AddContactKey(ctx context.Context, userID, email, armored string) error {
	return m.Called(ctx, userID, email, armored).Error(0)
}

type mockMail struct {
	mock.Mock
}

func (m *mockMail) Save(ctx context.Context, userID string, mail models.Mail) (models.Mail, error) {
	args := m.Called(ctx, userID, mail)
	return args.Get(0).(models.Mail), args.Error(1)
}

func (m *mockMail) Send(ctx context.Context, userID string, mail models.Mail) error {
	return m.Called(ctx, userID, mail).Error(0)
}

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) EncryptContent(ctx context.Context, content string, keys []models.PublicKey) (string, error) {
	args := m.Called(ctx, content, keys)
	return args.String(0), args.Error(1)
}

func (m *mockEngine) EncryptAttachment(ctx context.Context, data []byte, keys []models.PublicKey) ([]byte, error) {
	args := m.Called(ctx, data, keys)
	out, _ := args.Get(0).([]byte)
	return out, args.Error(1)
}

func (m *mockEngine) BuildPGPMime(ctx context.Context, mail models.Mail, files []mailer.File, keys []models.PublicKey) (string, error) {
	args := m.Called(ctx, mail, files, keys)
	return args.String(0), args.Error(1)
}

// recordingNotifier keeps every notification it receives.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (n *recordingNotifier) Notify(_ string, notification models.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, s := range n.sent {
		out = append(out, s.Type)
	}
	return out
}

type fixture struct {
	store       *compose.Store
	coordinator *Coordinator
	attachments *mockAttachments
	keys        *mockKeys
	mail        *mockMail
	engine      *mockEngine
	notifier    *recordingNotifier
}

func newFixture(t *testing.T, autosave time.Duration) *fixture {
	t.Helper()

	f := &fixture{
		store:       compose.NewStore(),
		attachments: &mockAttachments{},
		keys:        &mockKeys{},
		mail:        &mockMail{},
		engine:      &mockEngine{},
		notifier:    &recordingNotifier{},
	}
	f.coordinator = New(testUser, f.store, Deps{
		Attachments: f.attachments,
		Keys:        f.keys,
		Mail:        f.mail,
		Engine:      f.engine,
		Notifier:    f.notifier,
	}, autosave)
	f.coordinator.Start(context.Background())
	t.Cleanup(f.coordinator.Stop)
	return f
}

func (f *fixture) draft(t *testing.T, id int64) compose.Draft {
	t.Helper()
	d, ok := f.store.Snapshot().Draft(id)
	require.True(t, ok, "draft %d must exist", id)
	return d
}

func (f *fixture) eventually(t *testing.T, cond func(s compose.State) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		return cond(f.store.Snapshot())
	}, 2*time.Second, 5*time.Millisecond)
}

func newDraft(id int64) compose.NewDraft {
	return compose.NewDraft{Draft: compose.Draft{
		ID: id,
		Mail: models.Mail{
			Subject:  "Hello",
			Content:  "body",
			Sender:   "alice@example.com",
			Receiver: []string{"bob@example.com"},
		},
	}}
}

func TestSave(t *testing.T) {
	t.Run("success replaces the mail with the server copy", func(t *testing.T) {
		f := newFixture(t, 0)
		f.store.Dispatch(newDraft(1))

		f.mail.On("Save", mock.Anything, testUser, mock.MatchedBy(func(m models.Mail) bool {
			return m.Subject == "Hello" && m.ID == 0
		})).Return(models.Mail{ID: 100, Subject: "Hello"}, nil).Once()

		f.store.Dispatch(compose.CreateMail{ID: 1})

		f.eventually(t, func(s compose.State) bool {
			d, _ := s.Draft(1)
			return d.Mail.ID == 100 && !d.IsSaving
		})
		f.mail.AssertExpectations(t)
	})

	t.Run("failure clears the saving flag and notifies", func(t *testing.T) {
		f := newFixture(t, 0)
		f.store.Dispatch(newDraft(1))
		f.mail.On("Save", mock.Anything, testUser, mock.Anything).Return(models.Mail{}, errors.New("db down")).Once()

		f.store.Dispatch(compose.CreateMail{ID: 1})

		f.eventually(t, func(s compose.State) bool {
			d, _ := s.Draft(1)
			return !d.IsSaving && !d.InProgress
		})
		require.Eventually(t, func() bool { return len(f.notifier.types()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{string(compose.TypeCreateMailFailure)}, f.notifier.types())
	})

	t.Run("a save requested while one runs runs once more afterwards", func(t *testing.T) {
		f := newFixture(t, 0)
		f.store.Dispatch(newDraft(1))

		release := make(chan struct{})
		var mu sync.Mutex
		running, maxRunning, calls := 0, 0, 0
		f.mail.On("Save", mock.Anything, testUser, mock.Anything).Run(func(args mock.Arguments) {
			mu.Lock()
			running++
			calls++
			maxRunning = max(maxRunning, running)
			first := calls == 1
			mu.Unlock()
			if first {
				<-release
			}
			mu.Lock()
			running--
			mu.Unlock()
		}).Return(models.Mail{ID: 100}, nil)

		f.store.Dispatch(compose.CreateMail{ID: 1})
		f.store.Dispatch(compose.CreateMail{ID: 1})
		f.store.Dispatch(compose.CreateMail{ID: 1})
		close(release)

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return calls == 2 && running == 0
		}, 2*time.Second, 5*time.Millisecond)
		mu.Lock()
		assert.Equal(t, 1, maxRunning)
		mu.Unlock()
	})

	t.Run("closing a draft with local changes saves it", func(t *testing.T) {
		f := newFixture(t, 0)
		f.store.Dispatch(newDraft(1))
		f.mail.On("Save", mock.Anything, testUser, mock.Anything).Return(models.Mail{ID: 100}, nil).Once()

		subject := models.Mail{Subject: "edited"}
		f.store.Dispatch(compose.UpdateLocalDraft{ID: 1, DraftPatch: compose.DraftPatch{Mail: &subject}})
		f.store.Dispatch(compose.CloseMailbox{ID: 1})

		f.eventually(t, func(s compose.State) bool {
			d, _ := s.Draft(1)
			return d.Mail.ID == 100
		})
		f.mail.AssertExpectations(t)
	})
}

func TestAutosave(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	f.store.Dispatch(newDraft(1))
	f.store.Dispatch(newDraft(2))

	f.mail.On("Save", mock.Anything, testUser, mock.MatchedBy(func(m models.Mail) bool {
		return m.Subject == "edited"
	})).Return(models.Mail{ID: 100, Subject: "edited"}, nil)

	patch := models.Mail{Subject: "edited"}
	f.store.Dispatch(compose.UpdateLocalDraft{ID: 1, DraftPatch: compose.DraftPatch{Mail: &patch}})

	f.eventually(t, func(s compose.State) bool {
		d, _ := s.Draft(1)
		return d.Mail.ID == 100 && !d.InProgress
	})
	assert.Zero(t, f.draft(t, 2).Mail.ID, "drafts without local changes are not saved")
}

func TestSend(t *testing.T) {
	t.Run("success removes the draft", func(t *testing.T) {
		f := newFixture(t, 0)
		f.store.Dispatch(newDraft(1))
		f.mail.On("Send", mock.Anything, testUser, mock.MatchedBy(func(m models.Mail) bool {
			return m.Send && m.Content == "body"
		})).Return(nil).Once()

		f.store.Dispatch(compose.SendMail{ID: 1})

		f.eventually(t, func(s compose.State) bool { return !s.HasDraft(1) })
		f.mail.AssertExpectations(t)
	})

	t.Run("inline encrypted content is sent instead of the body", func(t *testing.T) {
		f := newFixture(t, 0)
		f.store.Dispatch(newDraft(1))
		f.store.Dispatch(compose.UpdatePGPEncryptedContent{DraftID: 1, EncryptedContent: "ARMORED"})
		f.mail.On("Send", mock.Anything, testUser, mock.MatchedBy(func(m models.Mail) bool {
			return m.Content == "ARMORED" && m.IsEncrypted
		})).Return(nil).Once()

		f.store.Dispatch(compose.SendMail{ID: 1})

		f.eventually(t, func(s compose.State) bool { return !s.HasDraft(1) })
		f.mail.AssertExpectations(t)
	})

	t.Run("failure keeps the draft", func(t *testing.T) {
		f := newFixture(t, 0)
		f.store.Dispatch(newDraft(1))
		f.mail.On("Send", mock.Anything, testUser, mock.Anything).Return(errors.New("smtp down")).Once()

		f.store.Dispatch(compose.SendMail{ID: 1})

		f.eventually(t, func(s compose.State) bool {
			d, _ := s.Draft(1)
			return !d.IsSaving && !d.InProgress && d.Mail.Folder == models.FolderDraft
		})
		require.Eventually(t, func() bool { return len(f.notifier.types()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, string(compose.TypeSendMailFailure), f.notifier.types()[0])
	})

	t.Run("should-send waits for attachments", func(t *testing.T) {
		f := newFixture(t, 0)
		f.store.Dispatch(newDraft(1))

		release := make(chan struct{})
		f.attachments.On("Upload", mock.Anything, testUser, int64(0), mock.Anything, []byte("data"), mock.Anything).
			Run(func(mock.Arguments) { <-release }).
			Return(models.Attachment{ID: 5}, nil).Once()
		sent := make(chan struct{})
		f.mail.On("Send", mock.Anything, testUser, mock.MatchedBy(func(m models.Mail) bool {
			return len(m.Attachments) == 1 && m.Attachments[0].ID == 5
		})).Run(func(mock.Arguments) { close(sent) }).Return(nil).Once()

		f.store.Dispatch(compose.UploadAttachment{Attachment: models.Attachment{
			AttachmentID: "a1", DraftID: 1, Name: "a.txt", DecryptedDocument: []byte("data"),
		}})
		yes := true
		f.store.Dispatch(compose.UpdateLocalDraft{ID: 1, DraftPatch: compose.DraftPatch{ShouldSend: &yes}})

		select {
		case <-sent:
			t.Fatal("sent before the upload finished")
		case <-time.After(50 * time.Millisecond):
		}

		close(release)
		select {
		case <-sent:
		case <-time.After(2 * time.Second):
			t.Fatal("mail was never sent")
		}
		f.eventually(t, func(s compose.State) bool { return !s.HasDraft(1) })
	})
}

func TestUpload(t *testing.T) {
	upload := compose.UploadAttachment{Attachment: models.Attachment{
		AttachmentID:      "a1",
		DraftID:           1,
		Name:              "notes.txt",
		DecryptedDocument: []byte("hello"),
	}}

	t.Run("success reports progress and stores the server id", func(t *testing.T) {
		f := newFixture(t, 0)
		f.store.Dispatch(newDraft(1))

		proceed := make(chan struct{})
		progressed := make(chan struct{})
		f.attachments.On("Upload", mock.Anything, testUser, int64(0), mock.MatchedBy(func(a models.Attachment) bool {
			return a.AttachmentID == "a1" && a.DecryptedDocument == nil
		}), []byte("hello"), mock.Anything).Run(func(args mock.Arguments) {
			<-proceed
			args.Get(5).(func(int))(40)
			close(progressed)
		}).Return(models.Attachment{ID: 9, AttachmentID: "a1", Document: "/api/v1/compose/attachments/9"}, nil).Once()

		f.store.Dispatch(upload)
		d := f.draft(t, 1)
		a, ok := d.Attachment("a1")
		require.True(t, ok)
		assert.True(t, a.InProgress)
		assert.True(t, d.IsProcessingAttachments)

		close(proceed)
		<-progressed
		f.eventually(t, func(s compose.State) bool {
			d, _ := s.Draft(1)
			a, _ := d.Attachment("a1")
			return a.ID == 9 && !a.InProgress
		})

		d = f.draft(t, 1)
		a, _ = d.Attachment("a1")
		assert.Equal(t, 100, a.Progress)
		assert.Nil(t, a.Request)
		assert.False(t, d.IsProcessingAttachments)
	})

	t.Run("failure removes the attachment and notifies", func(t *testing.T) {
		f := newFixture(t, 0)
		f.store.Dispatch(newDraft(1))
		f.attachments.On("Upload", mock.Anything, testUser, int64(0), mock.Anything, mock.Anything, mock.Anything).
			Return(models.Attachment{}, errors.New("disk full")).Once()

		f.store.Dispatch(upload)

		f.eventually(t, func(s compose.State) bool {
			d, _ := s.Draft(1)
			return len(d.Attachments) == 0 && !d.IsProcessingAttachments
		})
		require.Eventually(t, func() bool { return len(f.notifier.types()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, string(compose.TypeUploadAttachmentFailure), f.notifier.types()[0])
	})

	t.Run("deleting during the upload cancels it", func(t *testing.T) {
		f := newFixture(t, 0)
		f.store.Dispatch(newDraft(1))

		started := make(chan struct{})
		f.attachments.On("Upload", mock.Anything, testUser, int64(0), mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				close(started)
				<-args.Get(0).(context.Context).Done()
			}).
			Return(models.Attachment{}, context.Canceled).Once()

		f.store.Dispatch(upload)
		<-started
		f.store.Dispatch(compose.DeleteAttachment{AttachmentRef: compose.AttachmentRef{DraftID: 1, AttachmentID: "a1"}})

		f.eventually(t, func(s compose.State) bool {
			d, _ := s.Draft(1)
			return len(d.Attachments) == 0
		})
		f.attachments.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything, mock.Anything)
		assert.Empty(t, f.notifier.types(), "a canceled upload is not an error")
	})

	t.Run("an upload finishing after its deletion is removed from the server", func(t *testing.T) {
		f := newFixture(t, 0)
		f.store.Dispatch(newDraft(1))

		started := make(chan struct{})
		release := make(chan struct{})
		f.attachments.On("Upload", mock.Anything, testUser, int64(0), mock.Anything, mock.Anything, mock.Anything).
			Run(func(mock.Arguments) {
				close(started)
				<-release
			}).
			Return(models.Attachment{ID: 9}, nil).Once()
		deleted := make(chan struct{})
		f.attachments.On("Delete", mock.Anything, testUser, int64(9)).
			Run(func(mock.Arguments) { close(deleted) }).
			Return(nil).Once()

		f.store.Dispatch(upload)
		<-started
		f.store.Dispatch(compose.DeleteAttachment{AttachmentRef: compose.AttachmentRef{DraftID: 1, AttachmentID: "a1"}})
		close(release)

		select {
		case <-deleted:
		case <-time.After(2 * time.Second):
			t.Fatal("the uploaded copy was not deleted")
		}
		f.eventually(t, func(s compose.State) bool {
			d, _ := s.Draft(1)
			return len(d.Attachments) == 0
		})
	})
}

func TestDeleteAttachment(t *testing.T) {
	persisted := func(f *fixture) {
		f.store.Dispatch(newDraft(1))
		f.store.Dispatch(compose.UpdateLocalDraft{ID: 1, DraftPatch: compose.DraftPatch{
			Attachments: []models.Attachment{{ID: 9, AttachmentID: "a1", DraftID: 1, Name: "x"}},
		}})
	}
	ref := compose.AttachmentRef{DraftID: 1, AttachmentID: "a1"}

	t.Run("persisted attachment", func(t *testing.T) {
		f := newFixture(t, 0)
		persisted(f)
		f.attachments.On("Delete", mock.Anything, testUser, int64(9)).Return(nil).Once()

		f.store.Dispatch(compose.DeleteAttachment{AttachmentRef: ref})

		f.eventually(t, func(s compose.State) bool {
			d, _ := s.Draft(1)
			return len(d.Attachments) == 0
		})
		f.attachments.AssertExpectations(t)
	})

	t.Run("failure restores the attachment", func(t *testing.T) {
		f := newFixture(t, 0)
		persisted(f)
		f.attachments.On("Delete", mock.Anything, testUser, int64(9)).Return(errors.New("nope")).Once()

		f.store.Dispatch(compose.DeleteAttachment{AttachmentRef: ref})

		f.eventually(t, func(s compose.State) bool {
			d, _ := s.Draft(1)
			a, ok := d.Attachment("a1")
			return ok && !a.IsRemoved && !a.InProgress
		})
	})

	t.Run("never uploaded", func(t *testing.T) {
		f := newFixture(t, 0)
		f.store.Dispatch(newDraft(1))
		f.store.Dispatch(compose.UpdateLocalDraft{ID: 1, DraftPatch: compose.DraftPatch{
			Attachments: []models.Attachment{{AttachmentID: "a1", DraftID: 1}},
		}})

		f.store.Dispatch(compose.DeleteAttachment{AttachmentRef: ref})

		assert.Empty(t, f.draft(t, 1).Attachments)
		f.attachments.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestKeys(t *testing.T) {
	key := models.PublicKey{Email: "bob@example.com", PublicKey: "KEY"}

	t.Run("success fills the directory and the draft", func(t *testing.T) {
		f := newFixture(t, 0)
		f.store.Dispatch(newDraft(1))
		f.keys.On("GetUsersKeys", mock.Anything, testUser, []string{"bob@example.com"}).
			Return(models.KeyLookup{Keys: []models.PublicKey{key}}, nil).Once()

		f.store.Dispatch(compose.GetUsersKeys{DraftID: 1, Emails: []string{"bob@example.com"}})

		f.eventually(t, func(s compose.State) bool {
			entry, ok := s.UsersKeys("bob@example.com")
			return ok && entry.HasKeys() && !entry.IsFetching
		})
		d := f.draft(t, 1)
		assert.False(t, d.GetUserKeyInProgress)
		require.NotNil(t, d.UsersKeys)
		assert.Equal(t, []models.PublicKey{key}, d.UsersKeys.Keys)
	})

	t.Run("failure clears fetching", func(t *testing.T) {
		f := newFixture(t, 0)
		f.keys.On("GetUsersKeys", mock.Anything, testUser, []string{"bob@example.com"}).
			Return(models.KeyLookup{}, errors.New("down")).Once()

		f.store.Dispatch(compose.GetUsersKeys{Emails: []string{"bob@example.com"}})

		f.eventually(t, func(s compose.State) bool {
			entry, ok := s.UsersKeys("bob@example.com")
			return ok && !entry.IsFetching
		})
	})

	t.Run("contact keys are persisted", func(t *testing.T) {
		f := newFixture(t, 0)
		done := make(chan struct{})
		f.keys.On("AddContactKey", mock.Anything, testUser, "bob@example.com", "KEY").
			Run(func(mock.Arguments) { close(done) }).Return(nil).Once()

		f.store.Dispatch(compose.MatchContactUserKeys{Intent: compose.ContactKeyAdd{Email: "bob@example.com", PublicKey: "KEY"}})

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("contact key was not stored")
		}
		entry, ok := f.store.Snapshot().UsersKeys("bob@example.com")
		require.True(t, ok)
		assert.True(t, entry.HasKeys())
	})
}

func TestEncryptContent(t *testing.T) {
	keys := []models.PublicKey{{Email: "bob@example.com", PublicKey: "KEY"}}
	withKeys := func(f *fixture) {
		f.store.Dispatch(newDraft(1))
		f.store.Dispatch(compose.UpdateLocalDraft{ID: 1, DraftPatch: compose.DraftPatch{UsersKeys: &models.KeyLookup{Keys: keys}}})
	}

	t.Run("success", func(t *testing.T) {
		f := newFixture(t, 0)
		withKeys(f)
		f.engine.On("EncryptContent", mock.Anything, "body", keys).Return("ARMORED", nil).Once()

		f.store.Dispatch(compose.UpdatePGPEncryptedContent{DraftID: 1, IsPGPInProgress: true})

		f.eventually(t, func(s compose.State) bool {
			d, _ := s.Draft(1)
			return d.EncryptedContent == "ARMORED" && !d.IsPGPInProgress
		})
	})

	t.Run("failure clears the flag without touching the draft", func(t *testing.T) {
		f := newFixture(t, 0)
		withKeys(f)
		f.engine.On("EncryptContent", mock.Anything, "body", keys).Return("", errors.New("bad key")).Once()

		f.store.Dispatch(compose.UpdatePGPEncryptedContent{DraftID: 1, IsPGPInProgress: true})

		f.eventually(t, func(s compose.State) bool {
			d, _ := s.Draft(1)
			return !d.IsPGPInProgress
		})
		d := f.draft(t, 1)
		assert.Empty(t, d.EncryptedContent)
		assert.Equal(t, "body", d.Mail.Content)
		require.Eventually(t, func() bool { return len(f.notifier.types()) == 1 }, time.Second, 5*time.Millisecond)
	})
}

func TestPGPMime(t *testing.T) {
	f := newFixture(t, 0)
	f.store.Dispatch(newDraft(1))
	f.store.Dispatch(compose.UpdateLocalDraft{ID: 1, DraftPatch: compose.DraftPatch{
		Attachments: []models.Attachment{{ID: 4, AttachmentID: "a1", DraftID: 1, Name: "plan.txt"}},
	}})
	f.store.Dispatch(compose.GetUsersKeysSuccess{Data: models.KeyLookup{Keys: []models.PublicKey{{Email: "bob@example.com", PublicKey: "KEY"}}}})

	f.attachments.On("Content", mock.Anything, testUser, int64(4)).Return(models.Attachment{}, []byte("step one"), nil).Once()
	f.engine.On("BuildPGPMime", mock.Anything, mock.Anything, mock.MatchedBy(func(files []mailer.File) bool {
		return len(files) == 1 && string(files[0].Data) == "step one"
	}), mock.Anything).Return("ARMORED-MIME", nil).Once()
	f.attachments.On("Upload", mock.Anything, testUser, int64(0), mock.MatchedBy(func(a models.Attachment) bool {
		return a.IsPGPMime && a.Name == models.PGPMimeDefaultAttachmentFileName
	}), []byte("ARMORED-MIME"), mock.Anything).Return(models.Attachment{ID: 12, Name: models.PGPMimeDefaultAttachmentFileName}, nil).Once()

	f.store.Dispatch(compose.UpdatePGPMimeEncrypted{DraftID: 1, IsPGPMimeInProgress: true})

	f.eventually(t, func(s compose.State) bool {
		d, _ := s.Draft(1)
		return d.IsPGPMimeMessage
	})

	d := f.draft(t, 1)
	require.Len(t, d.Attachments, 1)
	assert.Equal(t, int64(12), d.Attachments[0].ID)
	assert.True(t, d.Attachments[0].IsPGPMime)
	assert.Equal(t, models.PGPMimeDefaultContent, d.Mail.Content)
	assert.Equal(t, models.PGPMime, d.Mail.EncryptionType)
	assert.False(t, d.IsPGPMimeInProgress)
	f.engine.AssertExpectations(t)
	f.attachments.AssertExpectations(t)
}

func TestStartAttachmentEncryption(t *testing.T) {
	keys := []models.PublicKey{{Email: "bob@example.com", PublicKey: "KEY"}}
	setup := func(f *fixture) {
		f.store.Dispatch(newDraft(1))
		f.store.Dispatch(compose.UpdateLocalDraft{ID: 1, DraftPatch: compose.DraftPatch{
			UsersKeys: &models.KeyLookup{Keys: keys},
			Attachments: []models.Attachment{{
				ID: 4, AttachmentID: "a1", DraftID: 1, Name: "plan.txt", DecryptedDocument: []byte("plain"),
			}},
		}})
	}
	ref := compose.AttachmentRef{DraftID: 1, AttachmentID: "a1"}

	t.Run("success", func(t *testing.T) {
		f := newFixture(t, 0)
		setup(f)
		f.engine.On("EncryptAttachment", mock.Anything, []byte("plain"), keys).Return([]byte("CIPHER"), nil).Once()
		f.attachments.On("Upload", mock.Anything, testUser, int64(0), mock.MatchedBy(func(a models.Attachment) bool {
			return a.IsEncrypted && a.AttachmentID == "a1"
		}), []byte("CIPHER"), mock.Anything).Return(models.Attachment{ID: 4, Size: 6}, nil).Once()

		f.store.Dispatch(compose.StartAttachmentEncryption{AttachmentRef: ref})

		f.eventually(t, func(s compose.State) bool {
			d, _ := s.Draft(1)
			a, _ := d.Attachment("a1")
			return a.IsEncrypted && !a.InProgress
		})
		d := f.draft(t, 1)
		a, _ := d.Attachment("a1")
		assert.Equal(t, int64(6), a.Size)
		assert.Equal(t, int64(5), a.ActualSize)
	})

	t.Run("failure ends processing", func(t *testing.T) {
		f := newFixture(t, 0)
		setup(f)
		f.engine.On("EncryptAttachment", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("bad key")).Once()

		f.store.Dispatch(compose.StartAttachmentEncryption{AttachmentRef: ref})

		f.eventually(t, func(s compose.State) bool {
			d, _ := s.Draft(1)
			return !d.IsProcessingAttachments
		})
		d := f.draft(t, 1)
		a, _ := d.Attachment("a1")
		assert.False(t, a.IsEncrypted)
		require.Eventually(t, func() bool { return len(f.notifier.types()) == 1 }, time.Second, 5*time.Millisecond)
	})
}

func TestAttachmentCallsAreSingleFlight(t *testing.T) {
	keys := []models.PublicKey{{Email: "bob@example.com", PublicKey: "KEY"}}
	ref := compose.AttachmentRef{DraftID: 1, AttachmentID: "a1"}
	upload := compose.UploadAttachment{Attachment: models.Attachment{
		AttachmentID:      "a1",
		DraftID:           1,
		Name:              "notes.txt",
		DecryptedDocument: []byte("hello"),
	}}
	setup := func(f *fixture) {
		f.store.Dispatch(newDraft(1))
		f.store.Dispatch(compose.UpdateLocalDraft{ID: 1, DraftPatch: compose.DraftPatch{UsersKeys: &models.KeyLookup{Keys: keys}}})
	}

	t.Run("encryption requested during an upload runs after it", func(t *testing.T) {
		f := newFixture(t, 0)
		setup(f)

		var mu sync.Mutex
		running, maxRunning := 0, 0
		track := func(delta int) {
			mu.Lock()
			defer mu.Unlock()
			running += delta
			maxRunning = max(maxRunning, running)
		}

		started := make(chan struct{})
		release := make(chan struct{})
		f.attachments.On("Upload", mock.Anything, testUser, int64(0), mock.MatchedBy(func(a models.Attachment) bool {
			return !a.IsEncrypted
		}), []byte("hello"), mock.Anything).Run(func(mock.Arguments) {
			track(1)
			close(started)
			<-release
			track(-1)
		}).Return(models.Attachment{ID: 9, AttachmentID: "a1"}, nil).Once()
		f.engine.On("EncryptAttachment", mock.Anything, []byte("hello"), keys).Return([]byte("CIPHER"), nil).Once()
		f.attachments.On("Upload", mock.Anything, testUser, int64(0), mock.MatchedBy(func(a models.Attachment) bool {
			return a.IsEncrypted && a.ID == 9
		}), []byte("CIPHER"), mock.Anything).Run(func(mock.Arguments) {
			track(1)
			track(-1)
		}).Return(models.Attachment{ID: 9, Size: 6}, nil).Once()

		f.store.Dispatch(upload)
		<-started
		f.store.Dispatch(compose.StartAttachmentEncryption{AttachmentRef: ref})

		d := f.draft(t, 1)
		assert.True(t, d.IsProcessingAttachments)
		f.engine.AssertNotCalled(t, "EncryptAttachment", mock.Anything, mock.Anything, mock.Anything)

		close(release)
		f.eventually(t, func(s compose.State) bool {
			d, _ := s.Draft(1)
			a, _ := d.Attachment("a1")
			return a.IsEncrypted && !a.InProgress && !d.IsProcessingAttachments
		})
		mu.Lock()
		assert.Equal(t, 1, maxRunning, "only one call per attachment may run")
		mu.Unlock()
		f.engine.AssertExpectations(t)
		f.attachments.AssertExpectations(t)
	})

	t.Run("a send waits for the queued encryption", func(t *testing.T) {
		f := newFixture(t, 0)
		setup(f)

		started := make(chan struct{})
		release := make(chan struct{})
		f.attachments.On("Upload", mock.Anything, testUser, int64(0), mock.MatchedBy(func(a models.Attachment) bool {
			return !a.IsEncrypted
		}), mock.Anything, mock.Anything).Run(func(mock.Arguments) {
			close(started)
			<-release
		}).Return(models.Attachment{ID: 9, AttachmentID: "a1"}, nil).Once()
		f.engine.On("EncryptAttachment", mock.Anything, mock.Anything, mock.Anything).Return([]byte("CIPHER"), nil).Once()
		f.attachments.On("Upload", mock.Anything, testUser, int64(0), mock.MatchedBy(func(a models.Attachment) bool {
			return a.IsEncrypted
		}), mock.Anything, mock.Anything).Return(models.Attachment{ID: 9}, nil).Once()
		sent := make(chan models.Mail, 1)
		f.mail.On("Send", mock.Anything, testUser, mock.Anything).Run(func(args mock.Arguments) {
			sent <- args.Get(2).(models.Mail)
		}).Return(nil).Once()

		f.store.Dispatch(upload)
		<-started
		f.store.Dispatch(compose.StartAttachmentEncryption{AttachmentRef: ref})
		shouldSend := true
		f.store.Dispatch(compose.UpdateLocalDraft{ID: 1, DraftPatch: compose.DraftPatch{ShouldSend: &shouldSend}})
		close(release)

		select {
		case mail := <-sent:
			require.Len(t, mail.Attachments, 1)
			assert.True(t, mail.Attachments[0].IsEncrypted, "the mail must leave with the encrypted attachment")
		case <-time.After(2 * time.Second):
			t.Fatal("the deferred send never ran")
		}
	})

	t.Run("deleting during encryption removes the encrypted copy", func(t *testing.T) {
		f := newFixture(t, 0)
		f.store.Dispatch(newDraft(1))
		f.store.Dispatch(compose.UpdateLocalDraft{ID: 1, DraftPatch: compose.DraftPatch{
			UsersKeys:   &models.KeyLookup{Keys: keys},
			Attachments: []models.Attachment{{ID: 4, AttachmentID: "a1", DraftID: 1, DecryptedDocument: []byte("plain")}},
		}})

		started := make(chan struct{})
		f.engine.On("EncryptAttachment", mock.Anything, []byte("plain"), keys).Run(func(args mock.Arguments) {
			close(started)
			<-args.Get(0).(context.Context).Done()
		}).Return(nil, context.Canceled).Once()
		deleted := make(chan struct{})
		f.attachments.On("Delete", mock.Anything, testUser, int64(4)).
			Run(func(mock.Arguments) { close(deleted) }).
			Return(nil).Once()

		f.store.Dispatch(compose.StartAttachmentEncryption{AttachmentRef: ref})
		<-started
		f.store.Dispatch(compose.DeleteAttachment{AttachmentRef: ref})

		select {
		case <-deleted:
		case <-time.After(2 * time.Second):
			t.Fatal("the attachment was not deleted")
		}
		f.eventually(t, func(s compose.State) bool {
			d, _ := s.Draft(1)
			return len(d.Attachments) == 0
		})
		f.attachments.AssertNumberOfCalls(t, "Delete", 1)
		f.attachments.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		assert.Empty(t, f.notifier.types(), "a canceled encryption is not an error")
	})
}
