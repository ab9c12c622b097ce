package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/go-shiori/go-readability"
	pdfx "github.com/ledongthuc/pdf"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"github.com/rahul/stepforge/internal/sandbox"
)

const (
	defaultFindLimit = 200
	maxPDFPages      = 50
	// HTML is parsed before extraction, so it gets a larger read budget than
	// the text returned to the model.
	maxHTMLBytes = 8 << 20
)

// The tools in this file read outside the workspace on purpose so users can
// point a task at their own files. Only copy_to_workspace writes, and its
// destination is checked against the workspace root.

func expandUser(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// ---- find_files ----

type FindFilesRequest struct {
	Pattern    string `json:"pattern"`
	Root       string `json:"root"`
	MaxResults int    `json:"max_results"`
}

type FindFilesTool struct{}

func (t *FindFilesTool) Name() string { return "find_files" }

func (t *FindFilesTool) Description() string {
	return "Search the local filesystem (outside the workspace) for files whose name matches a glob pattern, e.g. *.csv."
}

func (t *FindFilesTool) Parameters() map[string]any {
	return schema(map[string]any{
		"pattern":     stringProp("Glob pattern matched against file names, e.g. sales_*.xlsx"),
		"root":        stringProp("Directory to search (default: the user's home directory)"),
		"max_results": map[string]any{"type": "integer", "description": "Maximum matches to return (default 200)"},
	}, "pattern")
}

func (t *FindFilesTool) Execute(ctx context.Context, args json.RawMessage) (Result, error) {
	req, err := decodeArgs[FindFilesRequest](args, "pattern")
	if err != nil {
		return Result{}, err
	}
	if _, err := filepath.Match(req.Pattern, ""); err != nil {
		return Result{}, fmt.Errorf("%w: bad pattern: %v", ErrInvalidArgument, err)
	}
	root := expandUser(req.Root)
	if strings.TrimSpace(root) == "" {
		if root, err = os.UserHomeDir(); err != nil {
			return Result{}, fmt.Errorf("failed to determine home directory: %w", err)
		}
	}
	limit := req.MaxResults
	if limit <= 0 || limit > defaultFindLimit {
		limit = defaultFindLimit
	}

	matches := make([]string, 0)
	truncated := false
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if walkErr != nil {
			if p == root {
				return walkErr
			}
			return nil
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(req.Pattern, d.Name()); ok {
			if len(matches) >= limit {
				truncated = true
				return filepath.SkipAll
			}
			matches = append(matches, p)
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("search failed: %w", err)
	}
	return Result{Value: map[string]any{
		"root":      root,
		"matches":   matches,
		"truncated": truncated,
	}}, nil
}

// ---- read_external_file ----

type ReadExternalFileRequest struct {
	Path string `json:"path"`
}

type ReadExternalFileTool struct {
	maxBytes int
}

func (t *ReadExternalFileTool) Name() string { return "read_external_file" }

func (t *ReadExternalFileTool) Description() string {
	return "Read a file outside the workspace. Text is returned as is, PDF and HTML files are converted to plain text."
}

func (t *ReadExternalFileTool) Parameters() map[string]any {
	return schema(map[string]any{
		"path": stringProp("Absolute path of the file to read"),
	}, "path")
}

func (t *ReadExternalFileTool) Execute(ctx context.Context, args json.RawMessage) (Result, error) {
	req, err := decodeArgs[ReadExternalFileRequest](args, "path")
	if err != nil {
		return Result{}, err
	}
	path, err := filepath.Abs(expandUser(req.Path))
	if err != nil {
		return Result{}, fmt.Errorf("failed to resolve path: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return Result{}, fmt.Errorf("%s is a directory", path)
	}

	var content, format string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		format = "pdf"
		var text string
		text, err = extractPDFText(path)
		content = sandbox.TruncateOutput(text, t.maxBytes)
	case ".html", ".htm":
		format = "html"
		var text string
		text, err = extractHTMLFile(path)
		content = sandbox.TruncateOutput(text, t.maxBytes)
	default:
		format = "text"
		content, err = readTextFile(path, t.maxBytes)
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Value: map[string]any{
		"path":    path,
		"format":  format,
		"size":    info.Size(),
		"content": content,
	}}, nil
}

// readTextFile returns at most max bytes of path with the omission marker.
func readTextFile(path string, max int) (string, error) {
	data, size, err := sandbox.ReadLimited(path, max)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	sample := data[:min(len(data), 8192)]
	if bytes.IndexByte(sample, 0) >= 0 || !validUTF8Prefix(sample) {
		return "", fmt.Errorf("%s looks like a binary file; copy it to the workspace and process it with code", path)
	}
	return sandbox.CappedContent(data, size), nil
}

// validUTF8Prefix reports whether b is valid UTF-8 apart from a sequence cut
// off at its end.
func validUTF8Prefix(b []byte) bool {
	for len(b) > 0 {
		r, n := utf8.DecodeRune(b)
		if r == utf8.RuneError && n == 1 {
			return !utf8.FullRune(b)
		}
		b = b[n:]
	}
	return true
}

func extractPDFText(path string) (string, error) {
	f, r, err := pdfx.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}
	defer f.Close()

	var out strings.Builder
	total := r.NumPage()
	for i := 1; i <= total && i <= maxPDFPages; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		txt, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		if t := strings.TrimSpace(txt); t != "" {
			fmt.Fprintf(&out, "--- Page %d ---\n%s\n\n", i, t)
		}
	}
	if total > maxPDFPages {
		fmt.Fprintf(&out, "... (%d more pages not extracted)\n", total-maxPDFPages)
	}
	return strings.TrimSpace(out.String()), nil
}

func extractHTMLFile(path string) (string, error) {
	data, _, err := sandbox.ReadLimited(path, maxHTMLBytes)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	pageURL := &url.URL{Scheme: "file", Path: filepath.ToSlash(path)}

	p := bluemonday.StrictPolicy()
	article, err := readability.FromReader(bytes.NewReader(data), pageURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		output := fmt.Sprintf("TITLE: %s\n", article.Title)
		if article.Excerpt != "" {
			output += fmt.Sprintf("EXCERPT: %s\n", p.Sanitize(article.Excerpt))
		}
		return output + "\n-- CONTENT --\n" + p.Sanitize(article.TextContent), nil
	}

	// Pages readability cannot score (forms, tables, fragments) fall back to
	// a plain walk over text nodes.
	node, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}
	var b strings.Builder
	extractText(node, &b, false)
	return p.Sanitize(compactWhitespace(b.String())), nil
}

func extractText(n *html.Node, b *strings.Builder, inHidden bool) {
	if n.Type == html.ElementNode {
		switch strings.ToLower(n.Data) {
		case "script", "style", "noscript":
			inHidden = true
		case "br", "p", "div", "li", "tr", "h1", "h2", "h3":
			b.WriteString("\n")
		}
	}
	if !inHidden && n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, b, inHidden)
	}
}

func compactWhitespace(s string) string {
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		if ln = strings.Join(strings.Fields(ln), " "); ln != "" {
			out = append(out, ln)
		}
	}
	return strings.Join(out, "\n")
}

// ---- copy_to_workspace ----

type CopyToWorkspaceRequest struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

type CopyToWorkspaceTool struct {
	source sandbox.EnvironmentSource
}

func (t *CopyToWorkspaceTool) Name() string { return "copy_to_workspace" }

func (t *CopyToWorkspaceTool) Description() string {
	return "Copy a file from anywhere on the local filesystem into the workspace so scripts can process it."
}

func (t *CopyToWorkspaceTool) Parameters() map[string]any {
	return schema(map[string]any{
		"source":      stringProp("Absolute path of the file to copy"),
		"destination": stringProp("Destination path relative to the workspace root"),
	}, "source", "destination")
}

func (t *CopyToWorkspaceTool) Execute(ctx context.Context, args json.RawMessage) (Result, error) {
	req, err := decodeArgs[CopyToWorkspaceRequest](args, "source", "destination")
	if err != nil {
		return Result{}, err
	}
	dest, env, err := resolve(t.source, req.Destination)
	if err != nil {
		return Result{}, err
	}
	src := expandUser(req.Source)
	info, err := os.Stat(src)
	if err != nil {
		return Result{}, fmt.Errorf("failed to stat source: %w", err)
	}
	if !info.Mode().IsRegular() {
		return Result{}, fmt.Errorf("source %s is not a regular file", src)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return Result{}, fmt.Errorf("failed to create directory: %w", err)
	}
	n, err := copyFile(src, dest)
	if err != nil {
		return Result{}, err
	}
	rel := relToWorkspace(env, dest)
	return Result{
		Value:     map[string]any{"source": src, "destination": rel, "bytes": n},
		Artifacts: []string{rel},
	}, nil
}

func copyFile(src, dest string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("failed to create destination: %w", err)
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("failed to copy file: %w", err)
	}
	return n, nil
}
