package columns

import (
	"testing"
)

func TestLexer_Tokens(t *testing.T) {
	input := `SELECT a.x, "Quoted Col" FROM t WHERE x >= 1.5e3 AND y <> 'it''s' -- trailing
	AND z != 2;`
	tokens := NewLexer(input).Tokenize()

	expected := []struct {
		typ     TokenType
		literal string
	}{
		{TokenKeyword, "SELECT"},
		{TokenIdent, "a"},
		{TokenDot, "."},
		{TokenIdent, "x"},
		{TokenComma, ","},
		{TokenIdent, "Quoted Col"},
		{TokenKeyword, "FROM"},
		{TokenIdent, "t"},
		{TokenKeyword, "WHERE"},
		{TokenIdent, "x"},
		{TokenOperator, ">="},
		{TokenNumber, "1.5e3"},
		{TokenKeyword, "AND"},
		{TokenIdent, "y"},
		{TokenOperator, "<>"},
		{TokenString, "it's"},
		{TokenKeyword, "AND"},
		{TokenIdent, "z"},
		{TokenOperator, "!="},
		{TokenNumber, "2"},
		{TokenSemicolon, ";"},
		{TokenEOF, ""},
	}

	if len(tokens) != len(expected) {
		t.Fatalf("expected %d tokens, got %d: %v", len(expected), len(tokens), tokens)
	}
	for i, exp := range expected {
		if tokens[i].Type != exp.typ || tokens[i].Literal != exp.literal {
			t.Errorf("token %d: expected {%d %q}, got %v", i, exp.typ, exp.literal, tokens[i])
		}
	}
}

func TestLexer_UnterminatedString(t *testing.T) {
	tokens := NewLexer("WHERE a = 'open").Tokenize()
	last := tokens[len(tokens)-1]
	if last.Type != TokenEOF {
		t.Fatalf("expected EOF at the end, got %v", last)
	}
	if tokens[3].Type != TokenString || tokens[3].Literal != "open" {
		t.Errorf("unexpected string token %v", tokens[3])
	}
}

func TestFromWhere(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{
			name:  "simple range",
			query: "SELECT * FROM read_parquet('d/*.parquet') WHERE PULocationID > 10 AND PULocationID < 20",
			want:  []string{"PULocationID"},
		},
		{
			name: "tpch q6",
			query: `select sum(l_extendedprice * l_discount) as revenue
from lineitem
where l_shipdate >= date '1994-01-01'
  and l_shipdate < date '1994-01-01' + interval '1' year
  and l_discount between 0.06 - 0.01 and 0.06 + 0.01
  and l_quantity < 24;`,
			want: []string{"l_shipdate", "l_discount", "l_quantity"},
		},
		{
			name:  "qualified names and functions",
			query: "SELECT o.o_orderkey FROM orders o WHERE lower(o.o_comment) LIKE '%x%' AND o.o_orderdate > DATE '1995-01-01'",
			want:  []string{"o_comment", "o_orderdate"},
		},
		{
			name:  "group by ends the clause",
			query: "SELECT c_nationkey, count(*) FROM t WHERE c_custkey IN (1, 2) GROUP BY c_nationkey ORDER BY c_nationkey",
			want:  []string{"c_custkey"},
		},
		{
			name:  "subquery where included, subquery from excluded",
			query: "SELECT * FROM t WHERE a = 1 AND b IN (SELECT x FROM u WHERE c > 2) AND d < 3",
			want:  []string{"a", "b", "c", "d"},
		},
		{
			name:  "extract keeps the clause open",
			query: "SELECT * FROM t WHERE extract(year FROM l_shipdate) = 1995 AND l_quantity > 3",
			want:  []string{"l_shipdate", "l_quantity"},
		},
		{
			name:  "cast target skipped",
			query: "SELECT * FROM t WHERE CAST(created_at AS BIGINT) > 10",
			want:  []string{"created_at"},
		},
		{
			name:  "no where",
			query: "SELECT a, b FROM t",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromWhere(tt.query)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}
