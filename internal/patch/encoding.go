package patch

import (
	"bytes"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// textEncoding is the on-disk encoding of a patched file. Patches operate on
// decoded text and are written back in the same encoding, BOM included.
type textEncoding struct {
	name string

	// enc is nil for plain UTF-8, which needs no transcoding.
	enc encoding.Encoding
}

var (
	encUTF8    = textEncoding{name: "utf-8"}
	encUTF8BOM = textEncoding{name: "utf-8-bom", enc: unicode.UTF8BOM}
	encUTF16LE = textEncoding{name: "utf-16le", enc: unicode.UTF16(unicode.LittleEndian, unicode.UseBOM)}
	encUTF16BE = textEncoding{name: "utf-16be", enc: unicode.UTF16(unicode.BigEndian, unicode.UseBOM)}
)

// detectEncoding inspects the byte order mark. Files without one are UTF-8.
func detectEncoding(data []byte) textEncoding {
	switch {
	case bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}):
		return encUTF8BOM
	case bytes.HasPrefix(data, []byte{0xFF, 0xFE}):
		return encUTF16LE
	case bytes.HasPrefix(data, []byte{0xFE, 0xFF}):
		return encUTF16BE
	default:
		return encUTF8
	}
}

func (e textEncoding) decode(data []byte) (string, error) {
	if e.enc == nil {
		return string(data), nil
	}
	out, err := e.enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (e textEncoding) encode(text string) ([]byte, error) {
	if e.enc == nil {
		return []byte(text), nil
	}
	return e.enc.NewEncoder().Bytes([]byte(text))
}
