// Package archive packages generated images into a zip and optionally
// publishes it to S3-compatible storage.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

type File struct {
	Name string
	Data []byte
}

// Package writes files into a zip archive in the given order. Names are
// flattened to their base name and must be unique.
func Package(files []File) ([]byte, error) {
	if len(files) == 0 {
		return nil, errors.New("nothing to archive")
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	seen := make(map[string]bool, len(files))
	now := time.Now()

	for _, f := range files {
		name := path.Base(strings.ReplaceAll(strings.TrimSpace(f.Name), "\\", "/"))
		if name == "" || name == "." || name == "/" {
			return nil, fmt.Errorf("invalid file name %q", f.Name)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate file name %q", name)
		}
		seen[name] = true

		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: now,
		})
		if err != nil {
			return nil, fmt.Errorf("add %s: %w", name, err)
		}
		if _, err := w.Write(f.Data); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return buf.Bytes(), nil
}

// FileName names the image for prompt id, e.g. "scene_03.png". Repeated ids
// get a "_2", "_3" suffix through the seen map when one is given.
func FileName(id int, mimeType string, seen map[string]int) string {
	base := fmt.Sprintf("scene_%02d", id)
	if seen != nil {
		seen[base]++
		if n := seen[base]; n > 1 {
			base = fmt.Sprintf("%s_%d", base, n)
		}
	}
	return base + extension(mimeType)
}

func extension(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}
