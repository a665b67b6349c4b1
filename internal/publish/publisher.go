package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/lo"

	"genweaver/internal/core"
	"genweaver/internal/logging"
)

// Target configures one publication.
type Target struct {
	Name string `yaml:"name"`

	// SourceDir holds the markdown to render. Defaults to the artifact set root.
	SourceDir string `yaml:"source,omitempty"`

	// StagingDir receives the rendered HTML page.
	StagingDir string `yaml:"staging"`

	// Filename of the rendered page. Defaults to <name>.html.
	Filename string `yaml:"filename,omitempty"`

	Title string `yaml:"title,omitempty"`

	// HTMLCommand replaces the built-in renderer. Placeholders:
	// {source} {dest} {filename}.
	HTMLCommand []string `yaml:"html_command,omitempty"`

	// DocsTree and DocFile locate the document the page is spliced into.
	DocsTree string `yaml:"docs_tree"`
	DocFile  string `yaml:"doc_file,omitempty"`

	// MarkdownCommand replaces the built-in splice. Placeholders:
	// {target} {html} {docs}.
	MarkdownCommand []string `yaml:"markdown_command,omitempty"`

	Env map[string]string `yaml:"env,omitempty"`
}

func (t Target) filename() string {
	return lo.Ternary(t.Filename != "", t.Filename, t.Name+".html")
}

func (t Target) docFile() string {
	return lo.Ternary(t.DocFile != "", t.DocFile, "README.md")
}

// DocPath is the markdown file the target's block is spliced into,
// relative to the publisher's base directory.
func (t Target) DocPath() string {
	return filepath.Join(t.DocsTree, t.docFile())
}

// Publisher runs the HTML and markdown phases.
type Publisher struct {
	Invoker core.Invoker

	// BaseDir anchors relative paths.
	BaseDir string

	renderer *htmlRenderer
	logger   logging.Logger
}

// NewPublisher returns a Publisher. A nil logger discards output.
func NewPublisher(invoker core.Invoker, baseDir string, logger logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{Invoker: invoker, BaseDir: baseDir, renderer: newHTMLRenderer(), logger: logger}
}

// Publish takes set from Generated through MarkdownInserted. Any failure
// halts at the phase reached so far and is returned as a *PublishError.
func (p *Publisher) Publish(ctx context.Context, t Target, set *core.GeneratedArtifactSet) (*Publication, error) {
	pub := NewPublication(t.Name)
	halt := func(err error) (*Publication, error) {
		return pub, &PublishError{Target: t.Name, Phase: pub.Phase(), Err: err}
	}

	if set == nil {
		return halt(errors.New("no generated artifacts"))
	}
	if err := pub.Advance(PhaseGenerated); err != nil {
		return halt(err)
	}

	page, err := p.BuildHTML(ctx, t, set)
	if err != nil {
		return halt(fmt.Errorf("build html: %w", err))
	}
	if err := pub.Advance(PhaseHTMLBuilt); err != nil {
		return halt(err)
	}

	if err := p.InsertMarkdown(ctx, t, page); err != nil {
		return halt(fmt.Errorf("insert markdown: %w", err))
	}
	if err := pub.Advance(PhaseMarkdownInserted); err != nil {
		return halt(err)
	}

	p.logger.Info("published",
		logging.String("target", t.Name),
		logging.String("page", page),
		logging.String("phase", pub.Phase().String()))
	return pub, nil
}

// BuildHTML renders the source folder into <staging>/<filename> and returns
// the page path.
func (p *Publisher) BuildHTML(ctx context.Context, t Target, set *core.GeneratedArtifactSet) (string, error) {
	source := set.Root
	if t.SourceDir != "" {
		source = p.abs(t.SourceDir)
	}
	staging := p.abs(t.StagingDir)
	dest := filepath.Join(staging, t.filename())

	if len(t.HTMLCommand) > 0 {
		if err := os.MkdirAll(staging, 0o755); err != nil {
			return "", err
		}
		r := strings.NewReplacer("{source}", source, "{dest}", staging, "{filename}", t.filename())
		if err := p.run(ctx, t, t.HTMLCommand, r); err != nil {
			return "", err
		}
		if !core.Exists(dest) {
			return "", fmt.Errorf("html command did not produce %s", dest)
		}
		return dest, nil
	}

	title := lo.Ternary(t.Title != "", t.Title, t.Name)
	if err := p.renderer.render(title, source, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// InsertMarkdown splices the rendered page into the docs tree.
func (p *Publisher) InsertMarkdown(ctx context.Context, t Target, page string) error {
	docs := p.abs(t.DocsTree)

	if len(t.MarkdownCommand) > 0 {
		r := strings.NewReplacer("{target}", t.Name, "{html}", page, "{docs}", docs)
		return p.run(ctx, t, t.MarkdownCommand, r)
	}

	html, err := os.ReadFile(page)
	if err != nil {
		return err
	}
	docPath := filepath.Join(docs, t.docFile())
	changed, err := spliceFile(docPath, t.Name, bodyOf(html))
	if err != nil {
		return err
	}
	if !changed {
		p.logger.Info("docs block unchanged", logging.String("target", t.Name), logging.String("file", docPath))
	}
	return nil
}

func (p *Publisher) run(ctx context.Context, t Target, command []string, r *strings.Replacer) error {
	args := lo.Map(command[1:], func(a string, _ int) string { return r.Replace(a) })
	res, err := p.Invoker.Invoke(ctx, core.Invocation{
		Program: command[0],
		Args:    args,
		Dir:     p.BaseDir,
		Env:     t.Env,
	})
	if err != nil {
		return err
	}
	if !res.Succeeded() {
		return fmt.Errorf("%s exited %d: %s", command[0], res.ExitCode, strings.TrimSpace(string(res.CombinedOutput())))
	}
	return nil
}

func (p *Publisher) abs(path string) string {
	if filepath.IsAbs(path) || p.BaseDir == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(p.BaseDir, path)
}
