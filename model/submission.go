package model

import (
	"encoding/json"
	"time"
)

// PendingID is the fixed key of the single pending submission slot.
const PendingID = "pending"

// Fallbacks applied when an intercepted upload carries no usable metadata.
const (
	DefaultFilename = "pendiente.pdf"
	DefaultMimeType = "application/pdf"
)

// PendingSubmission is a document that could not reach the analysis service
// and is waiting for a user-triggered retry.
type PendingSubmission struct {
	ID           string    `json:"id"`
	Payload      []byte    `json:"payload"`
	Filename     string    `json:"filename"`
	MimeType     string    `json:"mime_type"`
	LastModified time.Time `json:"last_modified"`
	StoredAt     time.Time `json:"stored_at"`
}

// PendingMetadata describes a pending submission without its payload.
type PendingMetadata struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	MimeType     string    `json:"mime_type"`
	LastModified time.Time `json:"last_modified"`
	StoredAt     time.Time `json:"stored_at"`
	Size         int64     `json:"size"`
}

// Metadata returns the payload-free view of the submission.
func (p *PendingSubmission) Metadata() *PendingMetadata {
	if p == nil {
		return nil
	}
	return &PendingMetadata{
		ID:           p.ID,
		Filename:     p.Filename,
		MimeType:     p.MimeType,
		LastModified: p.LastModified,
		StoredAt:     p.StoredAt,
		Size:         int64(len(p.Payload)),
	}
}

// Clone returns a deep copy so stores never share payload buffers with callers.
func (p *PendingSubmission) Clone() *PendingSubmission {
	if p == nil {
		return nil
	}
	c := *p
	c.Payload = append([]byte(nil), p.Payload...)
	return &c
}

// Normalize fills the sentinel id and the metadata fallbacks in place.
func (p *PendingSubmission) Normalize(now time.Time) {
	p.ID = PendingID
	if p.Filename == "" {
		p.Filename = DefaultFilename
	}
	if p.MimeType == "" {
		p.MimeType = DefaultMimeType
	}
	if p.LastModified.IsZero() {
		p.LastModified = now
	}
	if p.StoredAt.IsZero() {
		p.StoredAt = now
	}
}

// AnalysisResult is the record the analysis service returns for a document.
// The proxy never interprets it; it is decoded for display only.
type AnalysisResult struct {
	Filename       string `json:"filename"`
	Type           string `json:"type"`
	Duration       string `json:"duration"`
	Risk           string `json:"risk"`
	Compliance     string `json:"compliance"`
	Recommendation string `json:"recommendation"`
}

// DecodeAnalysis parses an analysis response body.
func DecodeAnalysis(body []byte) (*AnalysisResult, error) {
	var result AnalysisResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
