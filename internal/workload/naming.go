package workload

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/layoutbench/layoutbench/pkg/types"
)

// DefaultSelectivityDigits is the rounding applied to measured selectivities.
const DefaultSelectivityDigits = 4

// Selectivity returns the percentage of total rows matched, rounded to digits
// decimal places. A non-positive total yields 0.
func Selectivity(rows, total int64, digits int) float64 {
	if total <= 0 {
		return 0
	}
	return Round(float64(rows)/float64(total)*100, digits)
}

// Round rounds v to digits decimal places, halves away from zero.
func Round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}

// Accept reports whether a measured selectivity is inside the acceptance
// band. Both bounds are excluded.
func Accept(selectivity, min, max float64) bool {
	return min < selectivity && selectivity < max
}

// FormatSelectivity renders a selectivity with the shortest exact decimal form.
func FormatSelectivity(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}

// InstanceName returns the file name of a generated instance,
// <template>_<selectivity>.sql.
func InstanceName(templateID string, selectivity float64) string {
	return fmt.Sprintf("%s_%s.sql", templateID, FormatSelectivity(selectivity))
}

// ParseInstanceName splits a generated file name into its template id and
// selectivity. ok is false for names not of the form <template>_<sel>.sql.
func ParseInstanceName(name string) (templateID string, selectivity float64, ok bool) {
	base := strings.TrimSuffix(filepath.Base(name), ".sql")
	if base == filepath.Base(name) {
		return "", 0, false
	}
	i := strings.Index(base, "_")
	if i <= 0 {
		return "", 0, false
	}
	s, err := strconv.ParseFloat(base[i+1:], 64)
	if err != nil {
		return "", 0, false
	}
	return base[:i], s, true
}

// ParseQueryID splits a query id such as "10a" into template "10" and
// variant "a".
func ParseQueryID(id string) (types.QueryRef, bool) {
	if id == "" {
		return types.QueryRef{}, false
	}
	i := strings.IndexFunc(id, func(r rune) bool { return !unicode.IsDigit(r) })
	if i == 0 {
		return types.QueryRef{}, false
	}
	if i < 0 {
		return types.QueryRef{TemplateID: id}, true
	}
	variant := id[i:]
	for _, r := range variant {
		if !unicode.IsLower(r) {
			return types.QueryRef{}, false
		}
	}
	return types.QueryRef{TemplateID: id[:i], Variant: variant}, true
}

// VariantLetter returns the variant tag of the i-th instance of a template:
// a..z, then aa, ab, ...
func VariantLetter(i int) string {
	if i < 26 {
		return string(rune('a' + i))
	}
	return VariantLetter(i/26-1) + string(rune('a'+i%26))
}

// AssignVariants turns a directory listing into query instances.
// <template>_<sel>.sql files keep the letter pinned to their name when it is
// still free. The rest get the free letters in ascending selectivity order
// within each template, skipping letters already taken by files named
// <template><variant>.sql. The result is ordered by template then variant.
func AssignVariants(dir string, names []string, pinned map[string]string) []QueryInstance {
	var out []QueryInstance
	taken := make(map[string]map[string]bool)
	take := func(t, v string) {
		if taken[t] == nil {
			taken[t] = make(map[string]bool)
		}
		taken[t][v] = true
	}
	type pending struct {
		name string
		sel  float64
	}
	bySel := make(map[string][]pending)

	for _, name := range names {
		if !strings.HasSuffix(name, ".sql") {
			continue
		}
		if t, sel, ok := ParseInstanceName(name); ok {
			bySel[t] = append(bySel[t], pending{name: name, sel: sel})
			continue
		}
		ref, ok := ParseQueryID(strings.TrimSuffix(name, ".sql"))
		if !ok || ref.Variant == "" {
			continue
		}
		take(ref.TemplateID, ref.Variant)
		out = append(out, QueryInstance{Ref: ref, Path: filepath.Join(dir, name)})
	}

	for t, group := range bySel {
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].sel != group[j].sel {
				return group[i].sel < group[j].sel
			}
			return group[i].name < group[j].name
		})
		emit := func(p pending, letter string) {
			take(t, letter)
			out = append(out, QueryInstance{
				Ref:         types.QueryRef{TemplateID: t, Variant: letter},
				Path:        filepath.Join(dir, p.name),
				Selectivity: p.sel,
			})
		}

		var fresh []pending
		for _, p := range group {
			if v, ok := pinned[p.name]; ok && isVariant(v) && !taken[t][v] {
				emit(p, v)
				continue
			}
			fresh = append(fresh, p)
		}
		next := 0
		for _, p := range fresh {
			letter := VariantLetter(next)
			for taken[t][letter] {
				next++
				letter = VariantLetter(next)
			}
			next++
			emit(p, letter)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return lessRef(out[i].Ref, out[j].Ref)
	})
	return out
}

func isVariant(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// lessRef orders numerically by template id when both are numbers, then by
// variant length and letters.
func lessRef(a, b types.QueryRef) bool {
	if a.TemplateID != b.TemplateID {
		ai, errA := strconv.Atoi(a.TemplateID)
		bi, errB := strconv.Atoi(b.TemplateID)
		if errA == nil && errB == nil {
			return ai < bi
		}
		return a.TemplateID < b.TemplateID
	}
	if len(a.Variant) != len(b.Variant) {
		return len(a.Variant) < len(b.Variant)
	}
	return a.Variant < b.Variant
}
