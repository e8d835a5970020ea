// Package metainfo parses an assembled BitTorrent info dictionary (the raw
// bytes a metawire.Session hands back) into a structured Torrent record.
package metainfo

import (
	"fmt"
	"path/filepath"

	"github.com/kjartan-berg/dhtcrawl/bencode"
)

// File is a single entry of a multi-file torrent.
type File struct {
	Path   string
	Length int64
}

// Torrent is the structured form of a decoded info dictionary.
type Torrent struct {
	Name   string
	Length int64
	Files  []File
}

// Parse decodes raw (the bencoded info dictionary) into a Torrent.
func Parse(raw []byte) (*Torrent, error) {
	v, err := bencode.Decode(raw)
	if err != nil {
		return nil, err
	}
	if v.Kind != bencode.KindDict {
		return nil, fmt.Errorf("metainfo: info value is not a dictionary")
	}

	t := &Torrent{Name: name(v)}

	if filesVal, ok := bencode.Get(v, "files"); ok && filesVal.Kind == bencode.KindList {
		t.Files = parseFiles(filesVal)
		for _, f := range t.Files {
			t.Length += f.Length
		}
	}

	if lengthVal, ok := bencode.Get(v, "length"); ok && lengthVal.Kind == bencode.KindInt {
		t.Length = lengthVal.Int
	}

	return t, nil
}

func name(v bencode.Value) string {
	if n, ok := bencode.Get(v, "name.utf-8"); ok && n.Kind == bencode.KindString {
		return n.Text()
	}
	if n, ok := bencode.Get(v, "name"); ok && n.Kind == bencode.KindString {
		return n.Text()
	}
	return ""
}

func parseFiles(filesVal bencode.Value) []File {
	files := make([]File, 0, len(filesVal.List))
	for _, entry := range filesVal.List {
		if entry.Kind != bencode.KindDict {
			continue
		}
		length := int64(0)
		if l, ok := bencode.Get(entry, "length"); ok && l.Kind == bencode.KindInt {
			length = l.Int
		}
		files = append(files, File{Path: filePath(entry), Length: length})
	}
	return files
}

func filePath(entry bencode.Value) string {
	if p, ok := bencode.Get(entry, "path.utf-8"); ok && p.Kind == bencode.KindList {
		return joinPath(p)
	}
	if p, ok := bencode.Get(entry, "path"); ok && p.Kind == bencode.KindList {
		return joinPath(p)
	}
	return ""
}

func joinPath(segments bencode.Value) string {
	parts := make([]string, 0, len(segments.List))
	for _, s := range segments.List {
		if s.Kind == bencode.KindString {
			parts = append(parts, s.Text())
		}
	}
	return filepath.Join(parts...)
}
