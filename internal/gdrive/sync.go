// Package gdrive mirrors finished sessions into a Google Drive folder.
package gdrive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/sjawhar/ghost-minutes/internal/storage"
)

const docMimeType = "application/vnd.google-apps.document"

// uploader is the slice of the Drive API the syncer needs.
type uploader interface {
	create(ctx context.Context, file *drive.File, media io.Reader, contentType string) (string, error)
	update(ctx context.Context, fileID string, media io.Reader, contentType string) error
}

type driveUploader struct {
	service *drive.Service
}

func (d driveUploader) create(ctx context.Context, file *drive.File, media io.Reader, contentType string) (string, error) {
	created, err := d.service.Files.Create(file).Media(media, googleapi.ContentType(contentType)).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return created.Id, nil
}

func (d driveUploader) update(ctx context.Context, fileID string, media io.Reader, contentType string) error {
	_, err := d.service.Files.Update(fileID, &drive.File{}).Media(media, googleapi.ContentType(contentType)).Context(ctx).Do()
	return err
}

// Syncer uploads each finished session's notes as a Google Doc, and its master
// recording alongside. Re-archiving a session updates the same document.
type Syncer struct {
	files    uploader
	folderID string
	docIDs   map[string]string
	audioIDs map[string]string
	mu       sync.Mutex
}

func NewSyncer(ctx context.Context, credPath, folderID string) (*Syncer, error) {
	creds, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	config, err := google.CredentialsFromJSONWithTypeAndParams(ctx, creds, google.ServiceAccount, google.CredentialsParams{Scopes: []string{drive.DriveFileScope}})
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	svc, err := drive.NewService(ctx, option.WithCredentials(config))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	return newSyncer(driveUploader{service: svc}, folderID), nil
}

func newSyncer(files uploader, folderID string) *Syncer {
	return &Syncer{
		files:    files,
		folderID: folderID,
		docIDs:   make(map[string]string),
		audioIDs: make(map[string]string),
	}
}

// Archive uploads the session notes and, when present, the master audio.
func (s *Syncer) Archive(ctx context.Context, sess storage.Session, chunks []storage.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	notes := []byte(storage.FormatMarkdown(sess, chunks))
	if fileID, ok := s.docIDs[sess.ID]; ok {
		if err := s.files.update(ctx, fileID, bytes.NewReader(notes), "text/markdown"); err != nil {
			return fmt.Errorf("drive update %s: %w", sess.ID, err)
		}
	} else {
		fileID, err := s.files.create(ctx, &drive.File{
			Name:     DocName(sess),
			MimeType: docMimeType,
			Parents:  []string{s.folderID},
		}, bytes.NewReader(notes), "text/markdown")
		if err != nil {
			return fmt.Errorf("drive create %s: %w", sess.ID, err)
		}
		s.docIDs[sess.ID] = fileID
	}

	if sess.AudioMasterPath == "" {
		return nil
	}
	if _, ok := s.audioIDs[sess.ID]; ok {
		return nil
	}
	f, err := os.Open(sess.AudioMasterPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", sess.AudioMasterPath, err)
	}
	defer func() { _ = f.Close() }()

	contentType := "audio/wav"
	if strings.EqualFold(filepath.Ext(sess.AudioMasterPath), ".mp3") {
		contentType = "audio/mpeg"
	}
	audioID, err := s.files.create(ctx, &drive.File{
		Name:    DocName(sess) + filepath.Ext(sess.AudioMasterPath),
		Parents: []string{s.folderID},
	}, f, contentType)
	if err != nil {
		return fmt.Errorf("drive upload audio %s: %w", sess.ID, err)
	}
	s.audioIDs[sess.ID] = audioID
	return nil
}

// DocName is the Drive file name for a session.
func DocName(sess storage.Session) string {
	title := strings.TrimSpace(sess.Title)
	if title == "" {
		title = sess.ID
	}
	return fmt.Sprintf("ghost-minutes %s %s", sess.StartedAt.UTC().Format("2006-01-02"), title)
}
