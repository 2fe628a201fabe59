package service

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/puran-edu/approval-chain-api/internal/models"
	"github.com/puran-edu/approval-chain-api/pkg/export"
	appErrors "github.com/puran-edu/approval-chain-api/pkg/errors"
)

// ExportFormat enumerates supported timeline render formats.
type ExportFormat string

const (
	ExportFormatPDF ExportFormat = "pdf"
	ExportFormatCSV ExportFormat = "csv"
)

// ExportResult carries a rendered timeline document.
type ExportResult struct {
	Payload     []byte
	Filename    string
	ContentType string
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportService renders a message's approval timeline as PDF or CSV. Callers
// are expected to have resolved message visibility before invoking it.
type ExportService struct {
	csv    csvRenderer
	pdf    pdfRenderer
	logger *zap.Logger
}

// NewExportService constructs an ExportService.
func NewExportService(logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{csv: csv, pdf: pdf, logger: logger}
}

// Timeline renders the message's history log in the requested format.
func (s *ExportService) Timeline(msg *models.Message, format ExportFormat) (*ExportResult, error) {
	if msg == nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "message not found")
	}

	dataset := timelineDataset(msg)
	title := fmt.Sprintf("Approval Timeline - %s", msg.Title)

	var (
		payload     []byte
		contentType string
		err         error
	)
	switch format {
	case ExportFormatCSV:
		payload, err = s.csv.Render(dataset)
		contentType = "text/csv"
	case ExportFormatPDF:
		payload, err = s.pdf.Render(dataset, title)
		contentType = "application/pdf"
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render timeline")
	}

	return &ExportResult{
		Payload:     payload,
		Filename:    timelineFilename(msg, format),
		ContentType: contentType,
	}, nil
}

func timelineDataset(msg *models.Message) export.Dataset {
	rows := make([]map[string]string, 0, len(msg.HistoryLog)+1)
	for _, entry := range msg.HistoryLog {
		rows = append(rows, map[string]string{
			"Role":      string(entry.Role),
			"Status":    string(entry.Status),
			"Comment":   entry.Comment,
			"Timestamp": entry.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	rows = append(rows, map[string]string{
		"Role":      string(msg.CurrentRole),
		"Status":    fmt.Sprintf("Current: %s", msg.Status),
		"Comment":   "",
		"Timestamp": msg.UpdatedAt.UTC().Format(time.RFC3339),
	})
	return export.Dataset{
		Headers: []string{"Role", "Status", "Comment", "Timestamp"},
		Rows:    rows,
		Widths:  []float64{1, 1.2, 2.4, 1.4},
	}
}

func timelineFilename(msg *models.Message, format ExportFormat) string {
	timestamp := time.Now().UTC().Format("20060102_150405")
	return fmt.Sprintf("timeline_%s_%s.%s", sanitizeFilename(msg.ID), timestamp, format)
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}
