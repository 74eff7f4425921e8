package columns

// clauseEnd lists keywords that close a WHERE clause at the same nesting level.
var clauseEnd = map[string]bool{
	"SELECT": true,
	"FROM":   true,
	"GROUP":  true,
	"ORDER":  true,
	"LIMIT":  true,
	"HAVING": true,
	"UNION":  true,
	"OFFSET": true,
}

type level struct {
	inWhere bool
	// extract marks the parenthesis of EXTRACT(field FROM expr), whose FROM
	// does not end the enclosing clause.
	extract bool
}

// FromWhere returns the distinct column names referenced in the WHERE
// clauses of query, in order of first appearance. Qualified names are
// reduced to their last part (o.o_orderdate -> o_orderdate). Function names,
// literals, keywords and the target of AS are skipped. WHERE clauses of
// nested sub-queries are included.
func FromWhere(query string) []string {
	tokens := NewLexer(query).Tokenize()

	var (
		out     []string
		seen    = make(map[string]bool)
		cur     level
		saved   []level
		prevKey string
	)

	for i, tok := range tokens {
		key := ""
		switch tok.Type {
		case TokenLParen:
			saved = append(saved, cur)
			cur.extract = prevKey == "EXTRACT"
		case TokenRParen:
			if n := len(saved); n > 0 {
				cur = saved[n-1]
				saved = saved[:n-1]
			}
		case TokenKeyword:
			key = tok.Literal
			switch {
			case tok.Is("WHERE"):
				cur.inWhere = true
			case tok.Is("FROM") && cur.extract:
			case clauseEnd[tok.Literal]:
				cur.inWhere = false
			}
		case TokenIdent:
			if !cur.inWhere || prevKey == "AS" {
				break
			}
			next := tokens[i+1].Type
			if next == TokenLParen || next == TokenDot {
				break
			}
			if !seen[tok.Literal] {
				seen[tok.Literal] = true
				out = append(out, tok.Literal)
			}
		}
		prevKey = key
	}
	return out
}
