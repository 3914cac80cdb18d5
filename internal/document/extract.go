// Package document extracts plain script text from uploaded files.
package document

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

var ErrUnreadable = errors.New("document could not be read")

type Kind int

const (
	KindUnknown Kind = iota
	KindText
	KindDocx
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindDocx:
		return "docx"
	default:
		return "unknown"
	}
}

// KindFromFilename picks the extractor from the file extension.
func KindFromFilename(name string) Kind {
	switch strings.ToLower(filepath.Ext(strings.TrimSpace(name))) {
	case ".txt", ".md", ".markdown", ".text":
		return KindText
	case ".docx":
		return KindDocx
	default:
		return KindUnknown
	}
}

const maxDocxEntry = 32 << 20

// Extract returns the text content of data. Unsupported or damaged files
// fail with ErrUnreadable.
func Extract(data []byte, kind Kind) (string, error) {
	var (
		text string
		err  error
	)
	switch kind {
	case KindText:
		text, err = extractText(data)
	case KindDocx:
		text, err = extractDocx(data)
	default:
		return "", fmt.Errorf("%w: unsupported file type", ErrUnreadable)
	}
	if err != nil {
		return "", err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: no text found", ErrUnreadable)
	}
	return text, nil
}

func extractText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: not UTF-8 text", ErrUnreadable)
	}
	return strings.ReplaceAll(string(data), "\r\n", "\n"), nil
}

func extractDocx(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
		}
		defer rc.Close()
		return docxText(io.LimitReader(rc, maxDocxEntry))
	}
	return "", fmt.Errorf("%w: word/document.xml missing", ErrUnreadable)
}

// docxText walks WordprocessingML: <w:t> runs carry text, <w:p> ends a
// paragraph, <w:tab/> and <w:br/> map to tab and newline.
func docxText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var (
		b      strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br", "cr":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return b.String(), nil
}
