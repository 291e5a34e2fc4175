package codec

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"handoff/internal/domain"
)

// SerializeDocument renders an Envelope and its Messages into one or more
// numbered files, each bounded by FileCap. Packing is greedy and in input
// order; a message is never split across files, so a single message over
// the cap is still emitted whole in its own file (accepted limitation).
//
// Before rendering, any inline content item at or above
// ExternalizeThreshold is rewritten to a file reference and returned as a
// new Attachment. Serial numbers continue from the highest serial among
// existing attachments, so repeated serialization never collides.
func SerializeDocument(env domain.Envelope, msgs []domain.Message, existing []domain.Attachment) ([]NamedBlob, []domain.Attachment, error) {
	return SerializeDocumentLimits(env, msgs, existing, FileCap, ExternalizeThreshold)
}

// SerializeDocumentLimits is SerializeDocument with explicit size
// contracts, for deployments that tune them in configuration.
func SerializeDocumentLimits(env domain.Envelope, msgs []domain.Message, existing []domain.Attachment, fileCap, threshold int) ([]NamedBlob, []domain.Attachment, error) {
	msgs, created := externalize(msgs, nextSerial(existing), threshold)

	envDoc, err := yaml.Marshal(&env)
	if err != nil {
		return nil, nil, fmt.Errorf("render envelope: %w", err)
	}

	var files []NamedBlob
	buf := bytes.NewBuffer(envDoc)
	flush := func() {
		files = append(files, NamedBlob{
			Name:    fmt.Sprintf("%03d-%s.yaml", len(files), env.Ref),
			Content: append([]byte(nil), buf.Bytes()...),
		})
		buf.Reset()
	}
	for _, msg := range msgs {
		msgDoc, err := yaml.Marshal(&msg)
		if err != nil {
			return nil, nil, fmt.Errorf("render message: %w", err)
		}
		if buf.Len() > 0 && buf.Len()+len(msgDoc)+4 > fileCap {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteString("---\n")
		}
		buf.Write(msgDoc)
	}
	// An envelope with zero messages still produces exactly one file.
	flush()
	return files, created, nil
}

// SerializeFlatDocument renders the legacy single-file layout: one
// multi-document body, no size cap, no externalization.
func SerializeFlatDocument(env domain.Envelope, msgs []domain.Message) ([]byte, error) {
	var buf bytes.Buffer
	envDoc, err := yaml.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("render envelope: %w", err)
	}
	buf.Write(envDoc)
	for _, msg := range msgs {
		msgDoc, err := yaml.Marshal(&msg)
		if err != nil {
			return nil, fmt.Errorf("render message: %w", err)
		}
		buf.WriteString("---\n")
		buf.Write(msgDoc)
	}
	return buf.Bytes(), nil
}

// ExternalizeMessage applies the externalization rule to a single message
// ahead of its event append, so oversized payloads never enter the event
// log inline. Serial numbering continues from the existing attachments.
func ExternalizeMessage(msg domain.Message, existing []domain.Attachment, threshold int) (domain.Message, []domain.Attachment) {
	out, created := externalize([]domain.Message{msg}, nextSerial(existing), threshold)
	return out[0], created
}

// externalize moves oversized inline data out of the messages, returning
// rewritten copies plus the attachments created. The input is not mutated.
func externalize(msgs []domain.Message, serial, threshold int) ([]domain.Message, []domain.Attachment) {
	var created []domain.Attachment
	out := make([]domain.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = msg
		rewritten := false
		items := make([]domain.ContentItem, len(msg.Content))
		copy(items, msg.Content)
		for j, item := range items {
			if len(item.Data) < threshold {
				continue
			}
			label, ext, binary := attachmentShape(item.Mime)
			att := domain.Attachment{
				Name:    fmt.Sprintf("att-%03d-%s-%s%s", serial, item.Type, label, ext),
				Content: item.Data,
				Binary:  binary,
				Size:    len(item.Data),
			}
			serial++
			created = append(created, att)
			items[j].Data = nil
			items[j].File = &domain.FileRef{Name: att.Name, Mime: item.Mime, Size: att.Size}
			rewritten = true
		}
		if rewritten {
			out[i].Content = items
		}
	}
	return out, created
}

func nextSerial(existing []domain.Attachment) int {
	max := 0
	for _, att := range existing {
		m := attachmentRe.FindStringSubmatch(att.Name)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	}
	return max + 1
}

// attachmentShape maps a mime type to the label, extension, and binary
// flag used in attachment names.
func attachmentShape(mime string) (label, ext string, binary bool) {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "photo", "." + subtypeOf(mime, "jpg"), true
	case strings.HasPrefix(mime, "audio/"):
		return "audio", "." + subtypeOf(mime, "bin"), true
	case strings.HasPrefix(mime, "video/"):
		return "video", "." + subtypeOf(mime, "bin"), true
	case mime == "application/pdf":
		return "document", ".pdf", true
	case strings.HasPrefix(mime, "text/"):
		return "text", ".txt", false
	default:
		return "data", ".bin", true
	}
}

func subtypeOf(mime, fallback string) string {
	if i := strings.IndexByte(mime, '/'); i >= 0 && i+1 < len(mime) {
		sub := mime[i+1:]
		if sub == "jpeg" {
			return "jpg"
		}
		return sub
	}
	return fallback
}
