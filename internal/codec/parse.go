package codec

import (
	"bytes"
	"errors"
	"io"
	"sort"
	"strconv"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"handoff/internal/domain"
)

// ParseDocument reconstructs a Document from named blobs. Files carrying a
// three-digit numeric prefix are sorted by that prefix and their
// multi-document bodies concatenated in order; the first YAML document is
// the Envelope, the rest are Messages. Files matching the attachment
// naming pattern are collected as Attachments and never parsed as YAML.
func ParseDocument(files []NamedBlob) (*Document, error) {
	var docFiles []NamedBlob
	var attachments []domain.Attachment
	for _, f := range files {
		if attachmentRe.MatchString(f.Name) {
			attachments = append(attachments, domain.Attachment{
				Name:    f.Name,
				Content: f.Content,
				Binary:  !utf8.Valid(f.Content),
				Size:    len(f.Content),
			})
			continue
		}
		if seqFileRe.MatchString(f.Name) {
			docFiles = append(docFiles, f)
		}
	}
	if len(docFiles) == 0 {
		return nil, &ParseError{Err: errors.New("no document files")}
	}
	sort.Slice(docFiles, func(i, j int) bool {
		return seqOf(docFiles[i].Name) < seqOf(docFiles[j].Name)
	})

	var body bytes.Buffer
	for i, f := range docFiles {
		if i > 0 {
			body.WriteString("\n---\n")
		}
		body.Write(f.Content)
	}
	doc, err := parseBody(body.Bytes())
	if err != nil {
		return nil, err
	}
	doc.Attachments = attachments
	return doc, nil
}

// ParseFlatDocument parses the legacy single-file layout: one
// multi-document body, never any attachments.
func ParseFlatDocument(content []byte) (*Document, error) {
	return parseBody(content)
}

func parseBody(body []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(body))

	var env domain.Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, &ParseError{Err: err}
	}
	if env.Ref == "" {
		return nil, &ParseError{Err: errors.New("envelope missing ref")}
	}

	doc := &Document{Envelope: env, Messages: []domain.Message{}}
	for {
		var msg domain.Message
		err := dec.Decode(&msg)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &ParseError{Err: err}
		}
		doc.Messages = append(doc.Messages, msg)
	}
	return doc, nil
}

func seqOf(name string) int {
	m := seqFileRe.FindStringSubmatch(name)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}
