package merge

import (
	"archive/tar"
	"archive/zip"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/flowfile"
)

// ContentSource streams the stored content of a flow file
type ContentSource interface {
	Read(ff *flowfile.FlowFile, fn func(io.Reader) error) error
}

// ContentOptions configures a content merger
type ContentOptions struct {
	Delimiters Delimiters
	KeepPath   bool
}

type merger struct {
	mimeType  string
	extension string
	write     func(w io.Writer, members []*flowfile.FlowFile, src ContentSource, opts ContentOptions) error
}

var mergers = map[Format]merger{
	FormatConcat: {mimeType: "application/octet-stream", write: writeConcat},
	FormatTar:    {mimeType: "application/tar", extension: ".tar", write: writeTar},
	FormatZip:    {mimeType: "application/zip", extension: ".zip", write: writeZip},
}

// MimeType returns the mime type of content merged in format
func MimeType(format Format) string {
	return mergers[format].mimeType
}

// MergeContent streams the merged content of members into w
func MergeContent(w io.Writer, format Format, members []*flowfile.FlowFile, src ContentSource, opts ContentOptions) error {
	m, ok := mergers[format]
	if !ok {
		return fmt.Errorf("no content merger for format %q", format)
	}
	return m.write(w, members, src, opts)
}

// MergedFilename derives the merged unit's filename. A single member keeps
// its own filename; otherwise the first member's original filename is used.
// Archive formats append their extension. Empty means no filename.
func MergedFilename(format Format, members []*flowfile.FlowFile) string {
	if len(members) == 0 {
		return ""
	}
	var name string
	if len(members) == 1 {
		name, _ = members[0].Attribute(flowfile.AttrFilename)
	} else {
		name, _ = members[0].Attribute(flowfile.AttrSegmentOriginalFilename)
	}
	if name == "" {
		return ""
	}
	return name + mergers[format].extension
}

func writeConcat(w io.Writer, members []*flowfile.FlowFile, src ContentSource, opts ContentOptions) error {
	d := opts.Delimiters
	if _, err := w.Write(d.Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, ff := range members {
		if err := src.Read(ff, func(r io.Reader) error {
			_, err := io.Copy(w, r)
			return err
		}); err != nil {
			return fmt.Errorf("copy content of %s: %w", ff.UUID, err)
		}
		if i < len(members)-1 {
			if _, err := w.Write(d.Demarcator); err != nil {
				return fmt.Errorf("write demarcator: %w", err)
			}
		}
	}
	if _, err := w.Write(d.Footer); err != nil {
		return fmt.Errorf("write footer: %w", err)
	}
	return nil
}

func writeTar(w io.Writer, members []*flowfile.FlowFile, src ContentSource, opts ContentOptions) error {
	tw := tar.NewWriter(w)
	for _, ff := range members {
		hdr := &tar.Header{
			Name:    entryName(ff, opts.KeepPath),
			Mode:    0o644,
			Size:    ff.Size,
			ModTime: ff.EntryDate,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header for %s: %w", ff.UUID, err)
		}
		if err := src.Read(ff, func(r io.Reader) error {
			_, err := io.Copy(tw, r)
			return err
		}); err != nil {
			return fmt.Errorf("copy content of %s: %w", ff.UUID, err)
		}
	}
	return tw.Close()
}

func writeZip(w io.Writer, members []*flowfile.FlowFile, src ContentSource, opts ContentOptions) error {
	zw := zip.NewWriter(w)
	for _, ff := range members {
		hdr := &zip.FileHeader{
			Name:     entryName(ff, opts.KeepPath),
			Method:   zip.Deflate,
			Modified: ff.EntryDate,
		}
		ew, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("write zip header for %s: %w", ff.UUID, err)
		}
		if err := src.Read(ff, func(r io.Reader) error {
			_, err := io.Copy(ew, r)
			return err
		}); err != nil {
			return fmt.Errorf("copy content of %s: %w", ff.UUID, err)
		}
	}
	return zw.Close()
}

// entryName is the member's filename, or its UUID when unnamed. With keepPath
// the member's path attribute is kept in front; otherwise only the base name.
func entryName(ff *flowfile.FlowFile, keepPath bool) string {
	name, _ := ff.Attribute(flowfile.AttrFilename)
	if name == "" {
		name = ff.UUID
	}
	if !keepPath {
		return path.Base(name)
	}
	if dir, ok := ff.Attribute(flowfile.AttrPath); ok && dir != "" {
		name = path.Join(dir, name)
	}
	return strings.TrimPrefix(path.Clean(name), "/")
}
