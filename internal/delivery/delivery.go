// Package delivery hands the files of a ready transfer to the recipient: the
// raw file for single transfers, an in-memory zip for directories requested
// from mobile clients, and a copy into a local folder for desktop clients.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"

	"filedrop/internal/models"
	"filedrop/internal/storage"
	"filedrop/internal/transfer"
)

type Method int

const (
	MethodFile Method = iota
	MethodArchive
	MethodCopy
)

func (m Method) String() string {
	switch m {
	case MethodFile:
		return "file"
	case MethodArchive:
		return "archive"
	case MethodCopy:
		return "copy"
	}
	return "unknown"
}

// Sessions is the read side of the transfer store.
type Sessions interface {
	Get(id string) (models.Session, bool)
}

type Options struct {
	ClientIsMobile bool
	// Destination overrides the default folder for desktop directory copies.
	Destination string
}

// Delivery is the result of Deliver. File and archive deliveries carry
// Content, which the caller must close; copies carry the summary fields.
type Delivery struct {
	Method  Method
	Name    string
	Size    int64
	ModTime time.Time
	Content ReadSeekCloser

	Destination string
	FilesCopied int
	Missing     []string
}

type ReadSeekCloser interface {
	io.ReadSeeker
	io.Closer
}

type Config struct {
	// DownloadDir is the default parent folder for desktop directory copies.
	DownloadDir string
	// StripArchiveRoot drops the shared top-level folder from zip entry names.
	StripArchiveRoot bool
}

type Packager struct {
	sessions Sessions
	cfg      Config
	log      zerolog.Logger
}

func New(sessions Sessions, cfg Config, log zerolog.Logger) *Packager {
	return &Packager{
		sessions: sessions,
		cfg:      cfg,
		log:      log.With().Str("component", "delivery").Logger(),
	}
}

// Deliver packages the files of session id. For desktop directory copies
// where only some files made it, both the delivery and an error matching
// transfer.ErrPartialFailure are returned.
func (p *Packager) Deliver(ctx context.Context, id string, opts Options) (*Delivery, error) {
	const op = "download"
	log := p.log.With().Str("transfer_id", id).Logger()

	sess, ok := p.sessions.Get(id)
	if !ok {
		log.Error().Msg("invalid transfer id")
		return nil, &transfer.Error{Op: op, TransferID: id, Err: transfer.ErrSessionNotFound}
	}
	if sess.Status != models.StatusReadyForDownload {
		log.Error().Str("status", string(sess.Status)).Msg("files not ready for download")
		return nil, &transfer.Error{Op: op, TransferID: id, Status: sess.Status, Err: transfer.ErrFilesNotReady}
	}
	if sess.BasePath == "" || !storage.Exists(sess.BasePath) {
		log.Error().Str("base_path", sess.BasePath).Msg("base path not found")
		return nil, &transfer.Error{Op: op, TransferID: id, Err: transfer.ErrFilesMissing}
	}

	switch {
	case !sess.IsDirectory:
		return p.single(op, sess)
	case opts.ClientIsMobile:
		return p.archive(ctx, op, sess)
	default:
		return p.copyTree(ctx, op, sess, opts.Destination)
	}
}

func (p *Packager) single(op string, sess models.Session) (*Delivery, error) {
	if len(sess.Files) == 0 {
		return nil, &transfer.Error{Op: op, TransferID: sess.ID, Err: transfer.ErrFilesMissing}
	}
	src := sess.Files[0].StoredPath
	f, err := os.Open(src)
	if err != nil {
		p.log.Error().Err(err).Str("transfer_id", sess.ID).Str("path", src).Msg("could not open file")
		return nil, &transfer.Error{Op: op, TransferID: sess.ID, Err: transfer.Wrap(transfer.ErrFilesMissing, err)}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &transfer.Error{Op: op, TransferID: sess.ID, Err: transfer.Wrap(transfer.ErrFilesMissing, err)}
	}
	return &Delivery{
		Method:  MethodFile,
		Name:    filepath.Base(src),
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Content: f,
	}, nil
}

func (p *Packager) archive(ctx context.Context, op string, sess models.Session) (*Delivery, error) {
	log := p.log.With().Str("transfer_id", sess.ID).Logger()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	added := 0
	var missing []string
	names := relativePaths(sess.Files)
	if p.cfg.StripArchiveRoot {
		names = storage.StripSharedRoot(names)
	}
	for i, rec := range sess.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := names[i]
		if err := addToZip(zw, rec.StoredPath, name); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				log.Warn().Str("path", rec.StoredPath).Msg("skipping missing file in archive")
				missing = append(missing, rec.RelativePath)
				continue
			}
			log.Error().Err(err).Str("path", rec.StoredPath).Msg("error creating zip file")
			return nil, &transfer.Error{Op: op, TransferID: sess.ID, Err: transfer.Wrap(transfer.ErrStorage, err)}
		}
		log.Debug().Str("path", rec.StoredPath).Str("entry", name).Msg("added to zip")
		added++
	}
	if err := zw.Close(); err != nil {
		return nil, &transfer.Error{Op: op, TransferID: sess.ID, Err: transfer.Wrap(transfer.ErrStorage, err)}
	}
	if added == 0 {
		return nil, &transfer.Error{Op: op, TransferID: sess.ID, Err: transfer.ErrFilesMissing}
	}

	return &Delivery{
		Method:  MethodArchive,
		Name:    downloadName(sess.DisplayName) + ".zip",
		Size:    int64(buf.Len()),
		ModTime: sess.UploadedAt,
		Content: nopCloser{bytes.NewReader(buf.Bytes())},
		Missing: missing,
	}, nil
}

func addToZip(zw *zip.Writer, src, name string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

func (p *Packager) copyTree(ctx context.Context, op string, sess models.Session, hint string) (*Delivery, error) {
	log := p.log.With().Str("transfer_id", sess.ID).Logger()

	base := p.cfg.DownloadDir
	if hint != "" {
		abs, err := filepath.Abs(hint)
		if err != nil {
			return nil, &transfer.Error{Op: op, TransferID: sess.ID, Err: transfer.Wrap(transfer.ErrValidation, err)}
		}
		base = abs
	}
	if base == "" {
		return nil, &transfer.Error{Op: op, TransferID: sess.ID, Err: transfer.Wrap(transfer.ErrValidation, errors.New("no download directory"))}
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, &transfer.Error{Op: op, TransferID: sess.ID, Err: transfer.Wrap(transfer.ErrStorage, err)}
	}

	target, err := uniqueDir(filepath.Join(base, downloadName(sess.DisplayName)))
	if err != nil {
		return nil, &transfer.Error{Op: op, TransferID: sess.ID, Err: transfer.Wrap(transfer.ErrStorage, err)}
	}
	log.Info().Str("target", target).Msg("copying transfer to directory")

	d := &Delivery{Method: MethodCopy, Name: filepath.Base(target), Destination: target}
	names := storage.StripSharedRoot(relativePaths(sess.Files))
	for i, rec := range sess.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dst := filepath.Join(target, filepath.FromSlash(names[i]))
		if err := copyFile(rec.StoredPath, dst); err != nil {
			log.Error().Err(err).Str("path", rec.StoredPath).Msg("error copying file")
			d.Missing = append(d.Missing, rec.RelativePath)
			continue
		}
		d.FilesCopied++
	}

	if d.FilesCopied == 0 {
		if err := os.RemoveAll(target); err != nil {
			log.Warn().Err(err).Str("target", target).Msg("could not remove empty target directory")
		}
		return nil, &transfer.Error{Op: op, TransferID: sess.ID, Err: transfer.ErrNoFilesCopied}
	}
	log.Info().Int("files_copied", d.FilesCopied).Str("target", target).Msg("directory downloaded")
	if len(d.Missing) > 0 {
		return d, &transfer.Error{Op: op, TransferID: sess.ID, Copied: d.FilesCopied, Err: transfer.ErrSomeFilesMissing}
	}
	return d, nil
}

func relativePaths(files []models.FileRecord) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.RelativePath
	}
	return out
}

// uniqueDir creates dir, or dir_1, dir_2 ... when the name is taken.
func uniqueDir(dir string) (string, error) {
	candidate := dir
	for n := 1; ; n++ {
		err := os.Mkdir(candidate, 0o755)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
		candidate = dir + "_" + strconv.Itoa(n)
	}
}

// copyFile copies src to dst keeping mode and modification time. Parent
// directories are only created once src is known to exist.
func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dst)
		}
	}()
	if _, err = io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// downloadName is the last element of a display name, safe as a file name.
func downloadName(display string) string {
	name := path.Base(strings.ReplaceAll(display, `\`, "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		return "download"
	}
	return name
}

type nopCloser struct{ *bytes.Reader }

func (nopCloser) Close() error { return nil }
