package publish

import (
	"bytes"
	"fmt"
	"os"

	"genweaver/internal/core"
)

func beginMarker(target string) string { return "<!-- genweaver:begin " + target + " -->" }
func endMarker(target string) string   { return "<!-- genweaver:end " + target + " -->" }

// spliceBlock replaces the marked block for target in doc with content, or
// appends a new block when none exists. It reports whether doc changed.
func spliceBlock(doc []byte, target string, content []byte) ([]byte, bool, error) {
	begin := []byte(beginMarker(target))
	end := []byte(endMarker(target))

	var block bytes.Buffer
	block.Write(begin)
	block.WriteByte('\n')
	block.Write(bytes.TrimSpace(content))
	block.WriteByte('\n')
	block.Write(end)

	b := bytes.Index(doc, begin)
	if b < 0 {
		var out bytes.Buffer
		out.Write(doc)
		if len(doc) > 0 && !bytes.HasSuffix(doc, []byte("\n")) {
			out.WriteByte('\n')
		}
		if len(doc) > 0 {
			out.WriteByte('\n')
		}
		out.Write(block.Bytes())
		out.WriteByte('\n')
		return out.Bytes(), true, nil
	}

	e := bytes.Index(doc[b:], end)
	if e < 0 {
		return nil, false, fmt.Errorf("unterminated block: %q has no %q", begin, end)
	}
	e += b + len(end)

	if bytes.Equal(doc[b:e], block.Bytes()) {
		return doc, false, nil
	}
	out := make([]byte, 0, len(doc)-(e-b)+block.Len())
	out = append(out, doc[:b]...)
	out = append(out, block.Bytes()...)
	out = append(out, doc[e:]...)
	return out, true, nil
}

// spliceFile applies spliceBlock to path, creating it when missing. The file
// is only written when the block changes.
func spliceFile(path, target string, content []byte) (bool, error) {
	doc, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	out, changed, err := spliceBlock(doc, target, content)
	if err != nil || !changed {
		return false, err
	}
	return true, core.WriteFileAtomic(path, out, mode)
}
