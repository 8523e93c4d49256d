package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/3mmanu3lmois3s/aws-contract-analyzer/model"
)

// Multipart field names of an analysis submission.
const (
	FileField         = "file"
	LastModifiedField = "lastModified"
)

const octetStream = "application/octet-stream"

// ExtractSubmission reads the document out of a buffered multipart body.
// Missing metadata falls back to the model defaults; a body without a
// file part is an ErrPayloadExtraction.
func ExtractSubmission(contentType string, body []byte, now time.Time) (*model.PendingSubmission, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: bad content type %q: %w", model.ErrPayloadExtraction, contentType, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return nil, fmt.Errorf("%w: content type %q is not multipart", model.ErrPayloadExtraction, mediaType)
	}

	var (
		sub          *model.PendingSubmission
		partType     string
		lastModified time.Time
	)
	reader := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read multipart body: %w", model.ErrPayloadExtraction, err)
		}

		switch part.FormName() {
		case FileField:
			if sub != nil {
				continue
			}
			data, err := io.ReadAll(part)
			if err != nil {
				return nil, fmt.Errorf("%w: read file part: %w", model.ErrPayloadExtraction, err)
			}
			sub = &model.PendingSubmission{Payload: data, Filename: part.FileName()}
			partType = part.Header.Get("Content-Type")
		case LastModifiedField:
			raw, err := io.ReadAll(part)
			if err != nil {
				return nil, fmt.Errorf("%w: read %s field: %w", model.ErrPayloadExtraction, LastModifiedField, err)
			}
			if ms, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64); err == nil && ms > 0 {
				lastModified = time.UnixMilli(ms).UTC()
			}
		}
		part.Close()
	}

	if sub == nil {
		return nil, fmt.Errorf("%w: no %q part in request", model.ErrPayloadExtraction, FileField)
	}
	sub.MimeType = detectMimeType(partType, sub.Payload)
	sub.LastModified = lastModified
	sub.Normalize(now.UTC())
	return sub, nil
}

// detectMimeType trusts a specific declared type and sniffs otherwise.
func detectMimeType(declared string, data []byte) string {
	if declared != "" && declared != octetStream {
		return declared
	}
	if len(data) > 0 {
		if detected := mimetype.Detect(data); !detected.Is(octetStream) {
			return detected.String()
		}
	}
	if declared == "" {
		return model.DefaultMimeType
	}
	return declared
}
