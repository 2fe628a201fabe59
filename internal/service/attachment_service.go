package service

import (
	"fmt"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/puran-edu/approval-chain-api/internal/models"
	appErrors "github.com/puran-edu/approval-chain-api/pkg/errors"
	"github.com/puran-edu/approval-chain-api/pkg/storage"
)

// AttachmentConfig tunes upload validation.
type AttachmentConfig struct {
	MaxFiles         int
	MaxFileSizeBytes int64
	AllowedMIMEs     []string
	APIPrefix        string
}

// AttachmentService validates and stores message uploads and issues signed
// download URLs for them.
type AttachmentService struct {
	storage *storage.LocalStorage
	signer  *storage.SignedURLSigner
	cfg     AttachmentConfig
	logger  *zap.Logger
}

// NewAttachmentService constructs an AttachmentService.
func NewAttachmentService(store *storage.LocalStorage, signer *storage.SignedURLSigner, cfg AttachmentConfig, logger *zap.Logger) *AttachmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 5
	}
	if cfg.MaxFileSizeBytes <= 0 {
		cfg.MaxFileSizeBytes = 10 << 20
	}
	return &AttachmentService{storage: store, signer: signer, cfg: cfg, logger: logger}
}

// Store validates and persists the uploaded files, returning attachment
// metadata to embed in the message. Validation runs over the whole batch
// before any file is written.
func (s *AttachmentService) Store(files []*multipart.FileHeader) (models.AttachmentList, error) {
	if len(files) == 0 {
		return models.AttachmentList{}, nil
	}
	if len(files) > s.cfg.MaxFiles {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("at most %d attachments allowed", s.cfg.MaxFiles))
	}
	for _, fh := range files {
		if fh.Size > s.cfg.MaxFileSizeBytes {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("attachment %q exceeds the %d byte limit", fh.Filename, s.cfg.MaxFileSizeBytes))
		}
		if !s.allowedMIME(fh.Header.Get("Content-Type")) {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("attachment %q has unsupported type %q", fh.Filename, fh.Header.Get("Content-Type")))
		}
	}

	attachments := make(models.AttachmentList, 0, len(files))
	for _, fh := range files {
		src, err := fh.Open()
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read upload")
		}
		relPath := filepath.Join("attachments", fmt.Sprintf("%s_%s", uuid.NewString(), sanitizeFilename(fh.Filename)))
		stored, err := s.storage.SaveStream(relPath, src)
		src.Close()
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store upload")
		}
		attachments = append(attachments, models.Attachment{
			Filename: fh.Filename,
			Path:     stored,
			MimeType: fh.Header.Get("Content-Type"),
			Size:     fh.Size,
		})
	}
	return attachments, nil
}

// SignedURL issues a time-limited download URL for the attachment at idx.
func (s *AttachmentService) SignedURL(msg *models.Message, idx int) (string, time.Time, error) {
	if idx < 0 || idx >= len(msg.Attachments) {
		return "", time.Time{}, appErrors.Clone(appErrors.ErrNotFound, "attachment not found")
	}
	token, expiresAt, err := s.signer.Generate(msg.ID, msg.Attachments[idx].Path)
	if err != nil {
		return "", time.Time{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download url")
	}
	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}
	return fmt.Sprintf("%s/attachments/download?token=%s", prefix, token), expiresAt, nil
}

// OpenToken validates a download token and opens the referenced file.
func (s *AttachmentService) OpenToken(token string) (*os.File, string, error) {
	_, relPath, _, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid download token")
	}
	file, err := s.storage.Open(relPath)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrNotFound.Code, appErrors.ErrNotFound.Status, "attachment no longer available")
	}
	return file, filepath.Base(relPath), nil
}

func (s *AttachmentService) allowedMIME(mime string) bool {
	if len(s.cfg.AllowedMIMEs) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedMIMEs {
		if strings.EqualFold(allowed, mime) {
			return true
		}
	}
	return false
}
