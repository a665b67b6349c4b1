package publish

import (
	"bytes"
	"fmt"
	"html/template"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"

	"genweaver/internal/core"
)

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
{{- range .Sections}}
<section id="{{.ID}}">
{{.Body}}
</section>
{{- end}}
</body>
</html>
`))

type section struct {
	ID   string
	Body template.HTML
}

type page struct {
	Title    string
	Sections []section
}

// htmlRenderer converts markdown to sanitized HTML.
type htmlRenderer struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

func newHTMLRenderer() *htmlRenderer {
	return &htmlRenderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithParserOptions(parser.WithAutoHeadingID()),
		),
		policy: bluemonday.UGCPolicy(),
	}
}

// render writes one page holding every *.md file under sourceDir, in path
// order, to dest.
func (r *htmlRenderer) render(title, sourceDir, dest string) error {
	files, err := markdownFiles(sourceDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no markdown files under %s", sourceDir)
	}

	pg := page{Title: title}
	for _, rel := range files {
		src, err := os.ReadFile(filepath.Join(sourceDir, filepath.FromSlash(rel)))
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := r.md.Convert(src, &buf); err != nil {
			return fmt.Errorf("convert %s: %w", rel, err)
		}
		pg.Sections = append(pg.Sections, section{
			ID:   sectionID(rel),
			Body: template.HTML(r.policy.SanitizeBytes(buf.Bytes())),
		})
	}

	var out bytes.Buffer
	if err := pageTemplate.Execute(&out, pg); err != nil {
		return err
	}
	return core.WriteFileAtomic(dest, out.Bytes(), 0o644)
}

func markdownFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == core.StagingDirName {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(p), ".md") {
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func sectionID(rel string) string {
	id := strings.TrimSuffix(rel, filepath.Ext(rel))
	return strings.NewReplacer("/", "-", " ", "-", ".", "-").Replace(strings.ToLower(id))
}

// bodyOf returns the inner HTML of <body>, or the whole document when there
// is no body element.
func bodyOf(html []byte) []byte {
	lower := bytes.ToLower(html)
	start := bytes.Index(lower, []byte("<body"))
	if start < 0 {
		return bytes.TrimSpace(html)
	}
	open := bytes.IndexByte(lower[start:], '>')
	end := bytes.LastIndex(lower, []byte("</body>"))
	if open < 0 || end < start+open {
		return bytes.TrimSpace(html)
	}
	return bytes.TrimSpace(html[start+open+1 : end])
}
