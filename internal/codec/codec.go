// Package codec translates between the event log and the file-based
// document format. A thread document is a multi-document YAML body: the
// first document is the Envelope, every following document is a Message.
// Large inline content is externalized into serial-named attachment blobs.
package codec

import (
	"fmt"
	"regexp"

	"handoff/internal/domain"
)

// Size contracts for serialized documents.
const (
	// FileCap bounds one rendered document file.
	FileCap = 1 << 20
	// ExternalizeThreshold is the inline size at which a content item is
	// moved into its own attachment.
	ExternalizeThreshold = 768 << 10
)

// Document is one thread's full file-format materialization.
type Document struct {
	Envelope    domain.Envelope
	Messages    []domain.Message
	Attachments []domain.Attachment
}

// NamedBlob pairs a file name with its raw content.
type NamedBlob struct {
	Name    string
	Content []byte
}

// ParseError marks malformed document content. Listing operations skip the
// affected thread; direct fetches surface the error.
type ParseError struct {
	Name string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("parse %s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("parse document: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var (
	// 000-{ref}.yaml
	seqFileRe = regexp.MustCompile(`^(\d{3})-.+`)
	// att-001-{type}-{label}{.ext}
	attachmentRe = regexp.MustCompile(`^att-(\d{3})-([a-z]+)-(.+)$`)
)

// IsAttachmentName reports whether a file name follows the attachment
// naming pattern.
func IsAttachmentName(name string) bool {
	return attachmentRe.MatchString(name)
}

// IsDocumentFile reports whether a file name is a numbered document file
// rather than an attachment.
func IsDocumentFile(name string) bool {
	return seqFileRe.MatchString(name) && !attachmentRe.MatchString(name)
}
