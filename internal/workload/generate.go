package workload

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/layoutbench/layoutbench/internal/config"
	bencherrors "github.com/layoutbench/layoutbench/internal/errors"
	"github.com/layoutbench/layoutbench/internal/executor"
	"github.com/layoutbench/layoutbench/internal/query/adapter"
	"github.com/layoutbench/layoutbench/pkg/types"
)

// DefaultTimeLayout formats generated time literals.
const DefaultTimeLayout = "2006-01-02 15:04:05"

// placeholderRe matches quoted template placeholders such as ':3'.
var placeholderRe = regexp.MustCompile(`':(\d+)'`)

// Filler substitutes template placeholders with random values drawn from
// per-column ranges.
type Filler struct {
	placeholders map[string]string
	ranges       map[string]config.ValueRange
	layout       string
	rng          *rand.Rand
}

// NewFiller creates a filler. A zero seed uses the current time.
func NewFiller(placeholders map[string]string, ranges map[string]config.ValueRange, seed int64) *Filler {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Filler{
		placeholders: placeholders,
		ranges:       ranges,
		layout:       DefaultTimeLayout,
		rng:          rand.New(rand.NewSource(seed)),
	}
}

// Fill replaces every ':N' placeholder of tmpl. Each occurrence draws a
// fresh value.
func (f *Filler) Fill(tmpl string) (string, error) {
	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		n := placeholderRe.FindStringSubmatch(m)[1]
		v, err := f.value(n)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return m
		}
		return v
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func (f *Filler) value(placeholder string) (string, error) {
	column, ok := f.placeholders[placeholder]
	if !ok {
		return "", fmt.Errorf("placeholder :%s has no column", placeholder)
	}
	r, ok := f.ranges[column]
	if !ok {
		return "", fmt.Errorf("column %s has no value range", column)
	}

	if !r.IsTime() {
		v := r.Min + f.rng.Float64()*(r.Max-r.Min)
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	}

	start, err := time.Parse(time.DateOnly, r.Start)
	if err != nil {
		return "", fmt.Errorf("column %s start: %w", column, err)
	}
	end, err := time.Parse(time.DateOnly, r.End)
	if err != nil {
		return "", fmt.Errorf("column %s end: %w", column, err)
	}
	span := end.Sub(start)
	if span <= 0 {
		return "'" + start.Format(f.layout) + "'", nil
	}
	t := start.Add(time.Duration(f.rng.Int63n(int64(span))))
	return "'" + t.Format(f.layout) + "'", nil
}

// candidateSource produces raw query text for one template.
type candidateSource func(ctx context.Context, templateID string) (string, error)

// generationStream walks templates in order, producing QueriesPerTemplate
// candidates for each and yielding only the accepted ones.
type generationStream struct {
	cfg     config.WorkloadConfig
	dir     string
	total   int64
	digits  int
	next    candidateSource
	rewrite func(string) string
	counter RowCounter
	// refOf names a persisted instance the way discovery does.
	refOf  func(path string) (types.QueryRef, bool)
	logger zerolog.Logger

	template  int
	candidate int
	current   QueryInstance
	done      bool
	err       error
}

func (s *generationStream) Next(ctx context.Context) bool {
	for !s.done {
		if err := ctx.Err(); err != nil {
			s.err = bencherrors.NewAcquisitionError(bencherrors.CodeQueriesFailed, "query generation canceled", err)
			s.done = true
			return false
		}
		if s.template >= len(s.cfg.Templates) {
			s.done = true
			return false
		}
		templateID := s.cfg.Templates[s.template]
		if s.candidate >= s.cfg.QueriesPerTemplate {
			s.template++
			s.candidate = 0
			continue
		}
		s.candidate++

		inst, ok := s.try(ctx, templateID)
		if ok {
			s.current = inst
			return true
		}
	}
	return false
}

// try builds, measures and possibly persists one candidate.
func (s *generationStream) try(ctx context.Context, templateID string) (QueryInstance, bool) {
	log := s.logger.With().Str("template", templateID).Int("candidate", s.candidate).Logger()

	raw, err := s.next(ctx, templateID)
	if err != nil {
		log.Warn().Err(err).Msg("Candidate generation failed")
		return QueryInstance{}, false
	}
	sql := s.rewrite(raw)

	rows, err := s.counter.Count(ctx, sql)
	if err != nil {
		log.Warn().Err(err).Msg("Candidate row count failed")
		return QueryInstance{}, false
	}
	sel := Selectivity(rows, s.total, s.digits)
	if !Accept(sel, s.cfg.MinSelectivity, s.cfg.MaxSelectivity) {
		log.Debug().Float64("selectivity", sel).Msg("Candidate rejected")
		return QueryInstance{}, false
	}

	path := filepath.Join(s.dir, InstanceName(templateID, sel))
	if _, err := os.Stat(path); err == nil {
		log.Debug().Float64("selectivity", sel).Msg("Candidate duplicates an existing instance")
		return QueryInstance{}, false
	}
	if err := os.WriteFile(path, []byte(sql), 0644); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to persist candidate")
		return QueryInstance{}, false
	}

	ref, ok := s.refOf(path)
	if !ok {
		log.Warn().Str("path", path).Msg("Persisted candidate is not discoverable")
		return QueryInstance{}, false
	}
	log.Info().Float64("selectivity", sel).Str("path", path).Str("query", ref.ID()).Msg("Query instance accepted")
	return QueryInstance{Ref: ref, Path: path, Selectivity: sel}, true
}

func (s *generationStream) Instance() QueryInstance { return s.current }

func (s *generationStream) Err() error { return s.err }

// templateSource reads <dir>/<template>.sql once per template and fills its
// placeholders for every candidate.
func templateSource(dir string, filler *Filler) candidateSource {
	cache := make(map[string]string)
	return func(_ context.Context, templateID string) (string, error) {
		tmpl, ok := cache[templateID]
		if !ok {
			data, err := os.ReadFile(filepath.Join(dir, templateID+".sql"))
			if err != nil {
				return "", err
			}
			tmpl = string(data)
			cache[templateID] = tmpl
		}
		return filler.Fill(tmpl)
	}
}

// commandSource runs the generator command with {template} substituted and
// takes its stdout as the query.
func commandSource(command, dir string, runner executor.Runner) candidateSource {
	return func(ctx context.Context, templateID string) (string, error) {
		line := strings.ReplaceAll(command, "{template}", templateID)
		out, err := runner.Run(ctx, executor.Command{
			Name: "sh",
			Args: []string{"-c", line},
			Dir:  dir,
		})
		if err != nil {
			return "", err
		}
		if !out.Success() {
			return "", fmt.Errorf("generator exited with %d: %s", out.ExitCode, strings.TrimSpace(string(out.Stderr)))
		}
		q := strings.TrimSpace(string(out.Stdout))
		if q == "" {
			return "", fmt.Errorf("generator printed no query")
		}
		return q, nil
	}
}

// unpartitionedRewrite points a query at the unpartitioned dataset folder.
func unpartitionedRewrite(dir, ext string) func(string) string {
	source := adapter.ParquetSource(dir, ext)
	rw := adapter.TextRewriter{}
	return func(q string) string {
		return rw.RewriteSource(q, source)
	}
}
