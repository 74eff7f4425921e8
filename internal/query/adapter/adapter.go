// Package adapter points a query template at a partition directory by
// rewriting its source clause. The rewrite is textual: it replaces
// everything between the first FROM keyword and the following WHERE
// keyword. Keywords inside quoted literals and identifiers do not count.
package adapter

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/layoutbench/layoutbench/internal/query/columns"
)

// SourceRewriter replaces the source expression of a query.
type SourceRewriter interface {
	// RewriteSource returns query reading from source instead of its
	// current source. Text without a FROM ... WHERE span is returned
	// unchanged.
	RewriteSource(query, source string) string
}

// span locates the source clause of a query.
type span struct {
	from       int // offset of FROM
	start, end int // source clause, between the keywords
	whereEnd   int // offset after WHERE
}

// findSpan returns the first FROM keyword and the next WHERE keyword after
// it, found by tokenizing so that string literals are skipped.
func findSpan(query string) (span, bool) {
	lexer := columns.NewLexer(query)
	from := -1
	for {
		tok := lexer.NextToken()
		switch {
		case tok.Type == columns.TokenEOF:
			return span{}, false
		case from < 0 && tok.Is("FROM"):
			from = tok.Pos
		case from >= 0 && tok.Is("WHERE"):
			return span{
				from:     from,
				start:    from + len("FROM"),
				end:      tok.Pos,
				whereEnd: tok.Pos + len("WHERE"),
			}, true
		}
	}
}

// parquetSource matches the read_parquet('...') expression produced by
// ParquetSource.
var parquetSource = regexp.MustCompile(`(?i)read_parquet\('([^']*)'\)`)

// TextRewriter is the token-based textual SourceRewriter.
type TextRewriter struct{}

// RewriteSource implements SourceRewriter. Only the first FROM ... WHERE
// span is replaced.
func (TextRewriter) RewriteSource(query, source string) string {
	sp, ok := findSpan(query)
	if !ok {
		return query
	}
	where := query[sp.end:sp.whereEnd]
	return query[:sp.from] + "FROM " + source + " " + where + query[sp.whereEnd:]
}

// ParquetSource returns the source expression reading every file with
// extension ext in dir.
func ParquetSource(dir, ext string) string {
	return fmt.Sprintf("read_parquet('%s/*%s')", filepath.ToSlash(dir), ext)
}

// ExtractSource returns the source clause of query, trimmed, and whether a
// FROM ... WHERE span was found.
func ExtractSource(query string) (string, bool) {
	sp, ok := findSpan(query)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(query[sp.start:sp.end]), true
}

// SourceDirectory returns the directory a read_parquet source clause reads from.
func SourceDirectory(source string) (string, bool) {
	m := parquetSource.FindStringSubmatch(source)
	if m == nil {
		return "", false
	}
	return filepath.FromSlash(filepath.Dir(m[1])), true
}

// Adapted holds both rewritten variants of a template.
type Adapted struct {
	// Target reads from the partition directory under test.
	Target string
	// Verify reads from the unpartitioned dataset for cross-checking.
	Verify string
	// Rewritten is false when the template had no WHERE clause and both
	// variants equal the template.
	Rewritten bool
}

// Adapter rewrites query templates for a data format.
type Adapter struct {
	rewriter SourceRewriter
	ext      string
}

// New creates an Adapter for files with extension ext. A nil rewriter
// selects TextRewriter.
func New(rewriter SourceRewriter, ext string) *Adapter {
	if rewriter == nil {
		rewriter = TextRewriter{}
	}
	return &Adapter{rewriter: rewriter, ext: ext}
}

// Adapt rewrites template for targetDir and for verifyDir.
func (a *Adapter) Adapt(template, targetDir, verifyDir string) Adapted {
	_, found := ExtractSource(template)
	return Adapted{
		Target:    a.rewriter.RewriteSource(template, ParquetSource(targetDir, a.ext)),
		Verify:    a.rewriter.RewriteSource(template, ParquetSource(verifyDir, a.ext)),
		Rewritten: found,
	}
}

// Prepare reads the query instance at instancePath, adapts it and writes
// both variants to the fixed scratch paths, creating their directories.
func (a *Adapter) Prepare(instancePath, targetDir, verifyDir, queryPath, verifyPath string) (Adapted, error) {
	data, err := os.ReadFile(instancePath)
	if err != nil {
		return Adapted{}, fmt.Errorf("failed to read query instance: %w", err)
	}

	adapted := a.Adapt(string(data), targetDir, verifyDir)
	for path, text := range map[string]string{queryPath: adapted.Target, verifyPath: adapted.Verify} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return Adapted{}, fmt.Errorf("failed to create scratch directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(text), 0644); err != nil {
			return Adapted{}, fmt.Errorf("failed to write adapted query: %w", err)
		}
	}
	return adapted, nil
}
