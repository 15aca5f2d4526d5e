// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
)

// ErrUnsupportedDocument indicates a document that cannot be turned into
// text.
var ErrUnsupportedDocument = errors.New("unsupported document format")

// MIME types handled by FormatDocument.
const (
	mimeDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// Document is an uploaded file.
type Document struct {
	Name     string
	MIMEType string
	Data     []byte
}

// IsVideo reports whether the document is a video sent as a file; GIFs
// arrive this way.
func (d *Document) IsVideo() bool {
	return d != nil && strings.HasPrefix(d.MIMEType, "video/")
}

// FormatDocument renders a document as a fenced block labelled with its
// MIME type.
func FormatDocument(doc Document) (string, error) {
	mt, params, err := mime.ParseMediaType(doc.MIMEType)
	if err != nil {
		mt = doc.MIMEType
	}

	var body string
	switch mt {
	case "text/plain", "text/markdown", "text/html":
		body, err = decodeText(doc.Data, params["charset"], mt)

	case "text/csv":
		body, err = formatCSV(doc.Data, params["charset"])

	case "application/json":
		var buf bytes.Buffer
		if err = json.Indent(&buf, bytes.TrimSpace(doc.Data), "", "  "); err == nil {
			body = buf.String()
		}

	case "application/xml", "text/xml":
		body, err = formatXML(doc.Data)

	case mimeDocx:
		body, err = docxText(doc.Data)
		mt = "text/plain"

	default:
		if !utf8.Valid(doc.Data) && bytes.IndexByte(doc.Data, 0) >= 0 {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedDocument, doc.MIMEType)
		}
		body, err = decodeText(doc.Data, params["charset"], "")
		mt = "text/plain"
	}
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnsupportedDocument, doc.MIMEType, err)
	}
	return "```" + mt + "\n" + strings.TrimRight(body, "\n") + "\n```", nil
}

// decodeText converts data to UTF-8, sniffing the encoding when no charset
// was declared.
func decodeText(data []byte, declared, contentType string) (string, error) {
	if declared == "" && utf8.Valid(data) {
		return string(data), nil
	}
	label := contentType
	if declared != "" {
		label = "text/plain; charset=" + declared
	}
	enc, _, _ := charset.DetermineEncoding(data, label)
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func formatCSV(data []byte, declared string) (string, error) {
	text, err := decodeText(data, declared, "text/csv")
	if err != nil {
		return "", err
	}
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	var sb strings.Builder
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		sb.WriteString(strings.Join(row, ", "))
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// formatXML checks the document is well formed and returns it unchanged.
func formatXML(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel
	for {
		_, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return strings.TrimSpace(string(data)), nil
}

// docxText extracts paragraph text from word/document.xml.
func docxText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	var part *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			part = f
			break
		}
	}
	if part == nil {
		return "", errors.New("missing word/document.xml")
	}
	rc, err := part.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var sb strings.Builder
	dec := xml.NewDecoder(rc)
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			inText = t.Name.Local == "t"
			if t.Name.Local == "tab" {
				sb.WriteByte('\t')
			}
		case xml.EndElement:
			if t.Name.Local == "p" {
				sb.WriteByte('\n')
			}
			inText = false
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return sb.String(), nil
}
