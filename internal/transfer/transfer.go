package transfer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"filedrop/internal/models"
	"filedrop/internal/notify"
)

// Devices resolves live device ids.
type Devices interface {
	Lookup(id string) (models.Device, bool)
}

// Backing is the session-scoped file storage the store owns.
type Backing interface {
	SessionDir(sessionID string) string
	CreateTemp(sessionID string) (*os.File, error)
	Commit(tmpPath, sessionID, rel string) (string, error)
	Discard(path string)
	RemoveSession(sessionID string) error
}

// Recorder receives the outcome of every session that leaves the store.
type Recorder interface {
	Record(ctx context.Context, item models.TransferHistory) error
}

type Options struct {
	// IdleTimeout expires inactive sessions whose sender or recipient is gone.
	IdleTimeout time.Duration
	// MaxAge expires any session older than this. Zero disables.
	MaxAge      time.Duration
	UploadURL   string
	DownloadURL string
	History     Recorder
	Now         func() time.Time
}

// Request is what a sender declares when asking to transfer.
type Request struct {
	SenderID     string
	RecipientID  string
	DisplayName  string
	DeclaredSize int64
	IsDirectory  bool
	TotalFiles   int
}

type entry struct {
	mu      sync.Mutex
	s       models.Session
	removed bool
}

// Store owns every live transfer session. The map is guarded by mu; each
// session's fields are guarded by its own entry lock so unrelated sessions
// never contend.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	devices  Devices
	backing  Backing
	notifier notify.Notifier
	opts     Options
	log      zerolog.Logger
}

func NewStore(devices Devices, backing Backing, notifier notify.Notifier, opts Options, log zerolog.Logger) *Store {
	if notifier == nil {
		notifier = notify.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.UploadURL == "" {
		opts.UploadURL = "/upload"
	}
	if opts.DownloadURL == "" {
		opts.DownloadURL = "/download/"
	}
	return &Store{
		sessions: make(map[string]*entry),
		devices:  devices,
		backing:  backing,
		notifier: notifier,
		opts:     opts,
		log:      log.With().Str("component", "transfer").Logger(),
	}
}

// CreateRequest opens a pending session and asks the recipient to accept it.
func (s *Store) CreateRequest(req Request) (string, error) {
	const op = "request"
	recipient, ok := s.devices.Lookup(req.RecipientID)
	if !ok {
		s.log.Error().Str("target", req.RecipientID).Msg("target device not found in connected devices")
		return "", newError(op, "", ErrTargetNotFound)
	}
	if req.TotalFiles < 0 || req.DeclaredSize < 0 {
		return "", newError(op, "", ErrBadRequest)
	}
	if req.TotalFiles == 0 {
		req.TotalFiles = 1
	}
	if req.DisplayName == "" {
		req.DisplayName = "unknown"
	}
	sender, ok := s.devices.Lookup(req.SenderID)
	if !ok {
		s.log.Error().Str("sender", req.SenderID).Msg("sender is not a connected device")
		return "", newError(op, "", ErrSenderGone)
	}
	senderName := sender.Name

	now := s.opts.Now()
	sess := models.Session{
		ID:             generateToken(),
		SenderID:       req.SenderID,
		RecipientID:    req.RecipientID,
		SenderName:     senderName,
		RecipientName:  recipient.Name,
		Status:         models.StatusPending,
		DisplayName:    req.DisplayName,
		DeclaredSize:   req.DeclaredSize,
		IsDirectory:    req.IsDirectory,
		TotalFiles:     req.TotalFiles,
		Files:          []models.FileRecord{},
		CreatedAt:      now,
		LastActivityAt: now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = &entry{s: sess}
	s.mu.Unlock()

	s.log.Info().Str("transfer_id", sess.ID).Str("from", senderName).Str("to", recipient.Name).
		Str("filename", sess.DisplayName).Int("total_files", sess.TotalFiles).Msg("created transfer")

	s.notifier.Notify(req.RecipientID, notify.EventTransferRequest, RequestEvent{
		TransferID:  sess.ID,
		From:        req.SenderID,
		FromName:    senderName,
		FileName:    sess.DisplayName,
		FileSize:    sess.DeclaredSize,
		IsDirectory: sess.IsDirectory,
		TotalFiles:  sess.TotalFiles,
	})
	s.notifier.Notify(req.SenderID, notify.EventRequestSent, RequestSentEvent{
		TransferID: sess.ID,
		Target:     req.RecipientID,
	})
	return sess.ID, nil
}

// Accept moves a pending session to accepted and hands the sender its upload
// target. Any caller holding the id may accept.
func (s *Store) Accept(id, acceptingID string) error {
	const op = "accept"
	e, ok := s.lookup(id)
	if !ok {
		s.log.Error().Str("transfer_id", id).Msg("transfer not found in active transfers")
		return newError(op, id, ErrSessionNotFound)
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return newError(op, id, ErrSessionNotFound)
	}
	if _, ok := s.devices.Lookup(e.s.SenderID); !ok {
		sender := e.s.SenderID
		e.mu.Unlock()
		s.log.Error().Str("transfer_id", id).Str("sender", sender).Msg("sender not connected")
		return newError(op, id, ErrSenderGone)
	}
	if e.s.Status != models.StatusPending {
		status := e.s.Status
		e.mu.Unlock()
		s.log.Error().Str("transfer_id", id).Str("status", string(status)).Msg("accept on non-pending transfer")
		return stateError(op, id, ErrInvalidStatus, status)
	}
	if acceptingID != e.s.RecipientID {
		s.log.Warn().Str("transfer_id", id).Str("device_id", acceptingID).Msg("transfer accepted by a connection other than the recipient")
	}
	now := s.opts.Now()
	e.s.Status = models.StatusAccepted
	e.s.AcceptedAt = now
	e.s.LastActivityAt = now
	sender, recipientName := e.s.SenderID, e.s.RecipientName
	e.mu.Unlock()

	if d, ok := s.devices.Lookup(acceptingID); ok {
		recipientName = d.Name
	}
	s.log.Info().Str("transfer_id", id).Str("by", recipientName).Msg("transfer accepted")

	s.notifier.Notify(sender, notify.EventAccepted, AcceptedEvent{
		TransferID:    id,
		UploadURL:     s.opts.UploadURL,
		RecipientName: recipientName,
	})
	return nil
}

// Reject tells the sender the transfer was declined and destroys the session
// with any partially received files. Unknown ids are logged and ignored.
func (s *Store) Reject(id, rejectingID string) {
	e, ok := s.detach(id, nil)
	if !ok {
		s.log.Error().Str("transfer_id", id).Msg("reject for unknown transfer")
		return
	}
	sess, _ := s.retire(e, models.StatusRejected)

	if _, ok := s.devices.Lookup(sess.SenderID); ok {
		s.notifier.Notify(sess.SenderID, notify.EventRejected, RejectedEvent{TransferID: id})
	}
	s.log.Info().Str("transfer_id", id).Str("by", rejectingID).Msg("transfer cleaned up after rejection")
	s.reclaim(sess, string(models.StatusRejected))
}

// Complete deletes the session and its files whatever its status. Completing
// an unknown or already completed session does nothing.
func (s *Store) Complete(id string) {
	e, ok := s.detach(id, nil)
	if !ok {
		s.log.Debug().Str("transfer_id", id).Msg("complete for unknown transfer")
		return
	}
	sess, prior := s.retire(e, models.StatusCompleted)

	outcome := string(models.StatusCompleted)
	if prior != models.StatusReadyForDownload {
		outcome = "cancelled"
	}
	s.log.Info().Str("transfer_id", id).Str("status", string(prior)).Msg("file transfer completed and cleaned up")
	s.reclaim(sess, outcome)
}

// Get returns a copy of the session.
func (s *Store) Get(id string) (models.Session, bool) {
	e, ok := s.lookup(id)
	if !ok {
		return models.Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return models.Session{}, false
	}
	return e.s.Clone(), true
}

// List returns copies of every live session.
func (s *Store) List() []models.Session {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]models.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.s.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	return e, ok
}

// detach removes id from the map. When want is non-nil the entry is only
// removed if it is still that entry.
func (s *Store) detach(id string, want *entry) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok || (want != nil && e != want) {
		return nil, false
	}
	delete(s.sessions, id)
	return e, true
}

// retire marks a detached entry removed and returns its final snapshot along
// with the status it had before.
func (s *Store) retire(e *entry, final models.Status) (models.Session, models.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prior := e.s.Status
	e.removed = true
	if prior.CanTransition(final) || final == models.StatusCompleted {
		e.s.Status = final
	}
	return e.s.Clone(), prior
}

// reclaim deletes the session's storage and records its outcome.
func (s *Store) reclaim(sess models.Session, outcome string) {
	if err := s.backing.RemoveSession(sess.ID); err != nil {
		s.log.Error().Err(err).Str("transfer_id", sess.ID).Msg("could not remove transfer files")
	}
	if s.opts.History == nil {
		return
	}
	var size int64
	for _, f := range sess.Files {
		size += f.Size
	}
	if size == 0 {
		size = sess.DeclaredSize
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.opts.History.Record(ctx, models.TransferHistory{
		ID:            sess.ID,
		FileName:      sess.DisplayName,
		FileSize:      size,
		IsDirectory:   sess.IsDirectory,
		FileCount:     len(sess.Files),
		SenderName:    sess.SenderName,
		RecipientName: sess.RecipientName,
		Status:        outcome,
		CreatedAt:     sess.CreatedAt,
		FinishedAt:    s.opts.Now(),
	})
	if err != nil {
		s.log.Warn().Err(err).Str("transfer_id", sess.ID).Msg("could not record transfer history")
	}
}

// generateToken returns a 16-byte hex session token.
func generateToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
