package transfer

import (
	"bufio"
	"encoding/hex"
	"errors"
	"io"
	"syscall"

	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/blake2b"

	"filedrop/internal/models"
	"filedrop/internal/notify"
	"filedrop/internal/storage"
)

// Aggregator records uploaded files against accepted sessions and flips a
// session to ready_for_download once every declared file has arrived.
type Aggregator struct {
	store *Store
}

func NewAggregator(store *Store) *Aggregator {
	return &Aggregator{store: store}
}

// RecordFile stores one uploaded file. relativePath is the path inside the
// transferred folder for directory transfers and the client file name
// otherwise. The payload is streamed to disk without holding the session lock;
// the count increment and the completion check happen atomically afterwards.
func (a *Aggregator) RecordFile(id, relativePath string, isDirectory bool, payload io.Reader) (models.FileRecord, error) {
	const op = "upload"
	s := a.store
	log := s.log.With().Str("transfer_id", id).Logger()

	e, ok := s.lookup(id)
	if !ok {
		log.Error().Msg("transfer not found")
		return models.FileRecord{}, newError(op, id, ErrSessionNotFound)
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return models.FileRecord{}, newError(op, id, ErrSessionNotFound)
	}
	if err := a.checkAcceptingLocked(op, e); err != nil {
		e.mu.Unlock()
		log.Error().Err(err).Msg("invalid transfer status for upload")
		return models.FileRecord{}, err
	}
	sessionIsDir := e.s.IsDirectory
	e.mu.Unlock()

	br := bufio.NewReader(payload)
	if _, err := br.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			log.Error().Msg("empty upload")
			return models.FileRecord{}, newError(op, id, ErrEmptyPayload)
		}
		return models.FileRecord{}, newError(op, id, Wrap(ErrWriteFailed, err))
	}
	if isDirectory != sessionIsDir {
		log.Error().Bool("is_directory", isDirectory).Msg("upload shape does not match request")
		return models.FileRecord{}, newError(op, id, ErrShapeMismatch)
	}

	rel := storage.SafeBaseName(relativePath)
	if isDirectory {
		var err error
		if rel, err = storage.CleanRelativePath(relativePath); err != nil {
			log.Error().Str("relative_path", relativePath).Msg("rejected unsafe relative path")
			return models.FileRecord{}, newError(op, id, Wrap(ErrUnsafePath, err))
		}
	}

	tmpPath, size, sum, err := a.spool(id, br)
	if err != nil {
		log.Error().Err(err).Str("relative_path", rel).Msg("could not store upload")
		if errors.Is(err, syscall.ENOSPC) {
			a.abort(e, err)
		}
		return models.FileRecord{}, newError(op, id, Wrap(ErrWriteFailed, err))
	}

	rec, ready, err := a.commit(op, e, tmpPath, rel, size, sum)
	if err != nil {
		s.backing.Discard(tmpPath)
		if errors.Is(err, ErrSessionNotFound) {
			// the session went away while the payload was streaming
			if rerr := s.backing.RemoveSession(id); rerr != nil {
				log.Warn().Err(rerr).Msg("could not remove files of vanished transfer")
			}
		}
		if errors.Is(err, ErrTooManyFiles) {
			log.Error().Str("relative_path", rel).Msg("protocol violation: upload beyond declared file count")
		} else {
			log.Error().Err(err).Str("relative_path", rel).Msg("upload rejected")
		}
		return models.FileRecord{}, err
	}

	log.Info().Str("relative_path", rel).Str("size", humanize.Bytes(uint64(size))).
		Int("uploaded", ready.UploadedFiles).Int("total", ready.TotalFiles).Msg("file uploaded")

	if ready.Status == models.StatusReadyForDownload {
		log.Info().Str("recipient", ready.RecipientID).Msg("all files uploaded, notifying recipient")
		s.notifier.Notify(ready.RecipientID, notify.EventReady, ReadyEvent{
			TransferID:  id,
			FileName:    ready.DisplayName,
			DownloadURL: s.opts.DownloadURL + id,
			IsDirectory: ready.IsDirectory,
		})
	}
	return rec, nil
}

func (a *Aggregator) checkAcceptingLocked(op string, e *entry) error {
	switch {
	case e.s.Status == models.StatusAccepted && e.s.UploadedFiles < e.s.TotalFiles:
		return nil
	case e.s.Status == models.StatusAccepted, e.s.Status == models.StatusReadyForDownload:
		return stateError(op, e.s.ID, ErrTooManyFiles, e.s.Status)
	}
	return stateError(op, e.s.ID, ErrInvalidStatus, e.s.Status)
}

// spool copies the payload into a scratch file in the session directory.
func (a *Aggregator) spool(id string, r io.Reader) (path string, size int64, sum string, err error) {
	f, err := a.store.backing.CreateTemp(id)
	if err != nil {
		return "", 0, "", err
	}
	h, _ := blake2b.New256(nil)
	size, err = io.Copy(io.MultiWriter(f, h), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		a.store.backing.Discard(f.Name())
		return "", 0, "", err
	}
	return f.Name(), size, hex.EncodeToString(h.Sum(nil)), nil
}

// commit publishes a spooled file under the session lock and advances the
// counters. It returns the session snapshot taken inside the same critical
// section so exactly one caller ever observes the ready transition.
func (a *Aggregator) commit(op string, e *entry, tmpPath, rel string, size int64, sum string) (models.FileRecord, models.Session, error) {
	s := a.store
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.s.ID
	if e.removed {
		return models.FileRecord{}, models.Session{}, newError(op, id, ErrSessionNotFound)
	}
	if err := a.checkAcceptingLocked(op, e); err != nil {
		return models.FileRecord{}, models.Session{}, err
	}

	stored, err := s.backing.Commit(tmpPath, id, rel)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrExists):
			return models.FileRecord{}, models.Session{}, newError(op, id, ErrDuplicatePath)
		case errors.Is(err, storage.ErrUnsafePath):
			return models.FileRecord{}, models.Session{}, newError(op, id, Wrap(ErrUnsafePath, err))
		}
		return models.FileRecord{}, models.Session{}, newError(op, id, Wrap(ErrWriteFailed, err))
	}

	rec := models.FileRecord{
		StoredPath:   stored,
		RelativePath: rel,
		Size:         size,
		Checksum:     sum,
	}
	now := s.opts.Now()
	e.s.Files = append(e.s.Files, rec)
	e.s.UploadedFiles++
	e.s.LastActivityAt = now
	if e.s.UploadedFiles >= e.s.TotalFiles {
		e.s.Status = models.StatusReadyForDownload
		e.s.BasePath = s.backing.SessionDir(id)
		e.s.UploadedAt = now
	}
	return rec, e.s.Clone(), nil
}

// abort fails the session after the backing store ran out of space. The
// session stays visible with status error, its files are reclaimed and both
// parties are told.
func (a *Aggregator) abort(e *entry, cause error) {
	s := a.store
	e.mu.Lock()
	if e.removed || !e.s.Status.CanTransition(models.StatusError) {
		e.mu.Unlock()
		return
	}
	e.s.Status = models.StatusError
	e.s.Files = []models.FileRecord{}
	e.s.LastActivityAt = s.opts.Now()
	sess := e.s.Clone()
	e.mu.Unlock()

	s.log.Error().Err(cause).Str("transfer_id", sess.ID).Msg("storage exhausted, transfer aborted")
	ev := ErrorEvent{TransferID: sess.ID, Error: ErrWriteFailed.Error()}
	s.notifier.Notify(sess.SenderID, notify.EventTransferError, ev)
	s.notifier.Notify(sess.RecipientID, notify.EventTransferError, ev)
	s.reclaim(sess, string(models.StatusError))
}
