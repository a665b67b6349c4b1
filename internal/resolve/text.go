package resolve

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var (
	includePattern = regexp.MustCompile(`^\s*include\s+"([^"]+)"\s*;?\s*$`)
	tokenPattern   = regexp.MustCompile(`@([A-Za-z_][A-Za-z0-9_]*)@`)
)

// includeExpander flattens include directives and then substitutes tokens.
type includeExpander struct {
	ctx    context.Context
	tokens map[string]string
	stack  []string

	// read holds every file expanded so far.
	read map[string]struct{}
}

func newIncludeExpander(ctx context.Context, tokens map[string]string) *includeExpander {
	return &includeExpander{ctx: ctx, tokens: tokens, read: make(map[string]struct{})}
}

func (ie *includeExpander) sources() []string {
	out := make([]string, 0, len(ie.read))
	for path := range ie.read {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

func (ie *includeExpander) consolidate(entry string) ([]byte, error) {
	var out bytes.Buffer
	if err := ie.expand(entry, "", &out); err != nil {
		return nil, err
	}
	return ReplaceTokens(out.Bytes(), ie.tokens), nil
}

func (ie *includeExpander) expand(file, from string, out *bytes.Buffer) error {
	if err := ie.ctx.Err(); err != nil {
		return err
	}
	for _, open := range ie.stack {
		if open == file {
			return fmt.Errorf("%w: %s -> %s", ErrRefCycle, strings.Join(ie.stack, " -> "), file)
		}
	}

	data, err := os.ReadFile(file)
	if err != nil {
		if from == "" {
			return err
		}
		return fmt.Errorf("%w: %s included from %s", ErrUnreadableRef, file, from)
	}

	ie.read[file] = struct{}{}
	ie.stack = append(ie.stack, file)
	defer func() { ie.stack = ie.stack[:len(ie.stack)-1] }()

	// Lines are copied with their own terminators, so CRLF files and a
	// missing final newline survive expansion.
	for len(data) > 0 {
		line := data
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line = data[:i+1]
		}
		data = data[len(line):]

		body := bytes.TrimRight(line, "\r\n")
		m := includePattern.FindSubmatch(body)
		if m == nil {
			out.Write(line)
			continue
		}
		target := filepath.Join(filepath.Dir(file), filepath.FromSlash(string(m[1])))
		if err := ie.expand(target, file, out); err != nil {
			return err
		}
		if eol := line[len(body):]; len(eol) > 0 && out.Len() > 0 && !bytes.HasSuffix(out.Bytes(), []byte("\n")) {
			out.Write(eol)
		}
	}
	return nil
}

// ReplaceTokens substitutes @NAME@ for every configured NAME. Placeholders
// naming unknown tokens are left untouched.
func ReplaceTokens(content []byte, tokens map[string]string) []byte {
	if len(tokens) == 0 {
		return content
	}
	return tokenPattern.ReplaceAllFunc(content, func(match []byte) []byte {
		name := string(match[1 : len(match)-1])
		if v, ok := tokens[name]; ok {
			return []byte(v)
		}
		return match
	})
}
