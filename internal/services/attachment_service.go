package services

import (
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"chat-relay/internal/models"
)

var (
	ErrEmptyAttachment    = errors.New("attachment is empty")
	ErrAttachmentTooLarge = errors.New("attachment too large")
)

const defaultOriginalName = "file"

var attachmentIDPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}(\.[A-Za-z0-9]{1,16})?$`)

// AttachmentService stores binary frames on disk under their attachment id. Files are
// written once and never modified.
type AttachmentService struct {
	dir      string
	maxBytes int64
}

func NewAttachmentService(dir string, maxBytes int64) (*AttachmentService, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	return &AttachmentService{dir: dir, maxBytes: maxBytes}, nil
}

// Save writes data under a fresh id. meta is optional; without it the mime type and
// extension come from sniffing the payload.
func (s *AttachmentService) Save(ownerID string, data []byte, meta *models.FileMeta) (*models.Attachment, error) {
	if len(data) == 0 {
		return nil, ErrEmptyAttachment
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrAttachmentTooLarge, len(data))
	}

	detected := mimetype.Detect(data)
	mimeType := detected.String()
	ext := detected.Extension()
	name := defaultOriginalName
	if meta != nil {
		if meta.MimeType != "" {
			mimeType = meta.MimeType
		}
		if meta.Name != "" {
			name = filepath.Base(meta.Name)
			if ext == "" {
				ext = strings.ToLower(filepath.Ext(name))
			}
		}
	}
	if !validExtension(ext) {
		ext = ""
	}

	id := uuid.New().String() + ext
	path := filepath.Join(s.dir, id)

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create destination file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to save file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to save file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to save file: %w", err)
	}

	sum := blake2b.Sum256(data)
	return &models.Attachment{
		ID:           id,
		OwnerID:      ownerID,
		Size:         int64(len(data)),
		StoredPath:   path,
		MimeType:     mimeType,
		OriginalName: name,
		Checksum:     hex.EncodeToString(sum[:]),
	}, nil
}

// Open resolves an attachment id to its file and content type. Malformed or unknown ids
// return ErrNotFound.
func (s *AttachmentService) Open(id string) (string, string, error) {
	if !attachmentIDPattern.MatchString(id) {
		return "", "", fmt.Errorf("attachment %q: %w", id, ErrNotFound)
	}
	path := filepath.Join(s.dir, id)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", "", fmt.Errorf("attachment %q: %w", id, ErrNotFound)
	}

	contentType := mime.TypeByExtension(filepath.Ext(id))
	if contentType == "" {
		if detected, err := mimetype.DetectFile(path); err == nil {
			contentType = detected.String()
		} else {
			contentType = "application/octet-stream"
		}
	}
	return path, contentType, nil
}

func validExtension(ext string) bool {
	if ext == "" {
		return true
	}
	return attachmentIDPattern.MatchString("00000000-0000-0000-0000-000000000000" + ext)
}
