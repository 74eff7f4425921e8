// Package columns extracts the columns a SQL query's WHERE clause filters
// on. It tokenizes just enough SQL to tell identifiers from keywords,
// literals and function names; it does not build a syntax tree.
package columns

import (
	"fmt"
	"strings"
	"unicode"
)

// TokenType represents the type of a lexical token.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenIdent
	TokenNumber
	TokenString
	TokenKeyword
	TokenOperator
	TokenComma
	TokenLParen
	TokenRParen
	TokenDot
	TokenSemicolon
	TokenOther
)

// Token represents a lexical token.
type Token struct {
	Type    TokenType
	Literal string
	Pos     int // Position in input
}

// String returns a string representation of the token.
func (t Token) String() string {
	return fmt.Sprintf("Token{%d, %q, %d}", t.Type, t.Literal, t.Pos)
}

// Is reports whether t is the keyword kw (upper case).
func (t Token) Is(kw string) bool {
	return t.Type == TokenKeyword && t.Literal == kw
}

// keywords are never reported as columns. Clause keywords are upper-cased
// in Token.Literal so callers can compare with Is.
var keywords = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "GROUP": true, "ORDER": true,
	"BY": true, "LIMIT": true, "HAVING": true, "OFFSET": true, "UNION": true,
	"AND": true, "OR": true, "NOT": true, "IN": true, "BETWEEN": true,
	"AS": true, "ASC": true, "DESC": true, "NULL": true, "IS": true,
	"LIKE": true, "ILIKE": true, "DISTINCT": true, "EXISTS": true, "ALL": true, "ANY": true,
	"CASE": true, "WHEN": true, "THEN": true, "ELSE": true, "END": true,
	"TRUE": true, "FALSE": true, "CAST": true, "EXTRACT": true,
	"DATE": true, "TIME": true, "TIMESTAMP": true, "INTERVAL": true,
	"YEAR": true, "MONTH": true, "DAY": true, "HOUR": true, "MINUTE": true, "SECOND": true,
	"JOIN": true, "INNER": true, "LEFT": true, "RIGHT": true, "OUTER": true, "ON": true,
	"WITH": true,
}

// Lexer tokenizes SQL input.
type Lexer struct {
	input   string
	pos     int  // Current position in input
	readPos int  // Reading position (after current char)
	ch      byte // Current character
}

// NewLexer creates a new Lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input}
	l.readChar()
	return l
}

func (l *Lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0 // EOF
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

func (l *Lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

// skipWhitespace skips whitespace and -- line comments.
func (l *Lexer) skipWhitespace() {
	for {
		switch {
		case l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r':
			l.readChar()
		case l.ch == '-' && l.peekChar() == '-':
			for l.ch != '\n' && l.ch != 0 {
				l.readChar()
			}
		default:
			return
		}
	}
}

// NextToken returns the next token from the input.
func (l *Lexer) NextToken() Token {
	l.skipWhitespace()

	startPos := l.pos
	var tok Token

	switch l.ch {
	case '=', '+', '*', '/', '%', '-':
		tok = Token{Type: TokenOperator, Literal: string(l.ch), Pos: startPos}
	case '<', '>', '!':
		lit := string(l.ch)
		if p := l.peekChar(); p == '=' || (l.ch == '<' && p == '>') {
			l.readChar()
			lit += string(l.ch)
		}
		tok = Token{Type: TokenOperator, Literal: lit, Pos: startPos}
	case '|':
		if l.peekChar() == '|' {
			l.readChar()
		}
		tok = Token{Type: TokenOperator, Literal: "||", Pos: startPos}
	case ',':
		tok = Token{Type: TokenComma, Literal: ",", Pos: startPos}
	case '(':
		tok = Token{Type: TokenLParen, Literal: "(", Pos: startPos}
	case ')':
		tok = Token{Type: TokenRParen, Literal: ")", Pos: startPos}
	case '.':
		tok = Token{Type: TokenDot, Literal: ".", Pos: startPos}
	case ';':
		tok = Token{Type: TokenSemicolon, Literal: ";", Pos: startPos}
	case '\'':
		tok = l.readQuoted('\'', TokenString)
	case '"':
		tok = l.readQuoted('"', TokenIdent)
	case 0:
		return Token{Type: TokenEOF, Literal: "", Pos: startPos}
	default:
		if isLetter(l.ch) || l.ch == '_' {
			return l.readIdentifier()
		} else if isDigit(l.ch) {
			return l.readNumber()
		}
		tok = Token{Type: TokenOther, Literal: string(l.ch), Pos: startPos}
	}

	l.readChar()
	return tok
}

// readIdentifier reads an identifier or keyword.
func (l *Lexer) readIdentifier() Token {
	startPos := l.pos
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' {
		l.readChar()
	}
	literal := l.input[startPos:l.pos]
	upper := strings.ToUpper(literal)

	if keywords[upper] {
		return Token{Type: TokenKeyword, Literal: upper, Pos: startPos}
	}
	return Token{Type: TokenIdent, Literal: literal, Pos: startPos}
}

// readNumber reads a numeric literal, including exponents.
func (l *Lexer) readNumber() Token {
	startPos := l.pos
	hasDecimal := false

	for isDigit(l.ch) || (l.ch == '.' && !hasDecimal) {
		if l.ch == '.' {
			hasDecimal = true
		}
		l.readChar()
	}
	if (l.ch == 'e' || l.ch == 'E') && (isDigit(l.peekChar()) || l.peekChar() == '-' || l.peekChar() == '+') {
		l.readChar()
		l.readChar()
		for isDigit(l.ch) {
			l.readChar()
		}
	}

	return Token{Type: TokenNumber, Literal: l.input[startPos:l.pos], Pos: startPos}
}

// readQuoted reads a literal enclosed in quote; a doubled quote is an
// escaped quote. An unterminated literal runs to the end of input.
func (l *Lexer) readQuoted(quote byte, typ TokenType) Token {
	startPos := l.pos
	l.readChar() // Skip opening quote
	var sb strings.Builder

	for l.ch != 0 {
		if l.ch == quote {
			if l.peekChar() != quote {
				break
			}
			l.readChar()
		}
		sb.WriteByte(l.ch)
		l.readChar()
	}

	// Don't consume the closing quote - NextToken does
	return Token{Type: typ, Literal: sb.String(), Pos: startPos}
}

// Tokenize returns all tokens from the input, ending with TokenEOF.
func (l *Lexer) Tokenize() []Token {
	var tokens []Token
	for {
		tok := l.NextToken()
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF {
			break
		}
	}
	return tokens
}

func isLetter(ch byte) bool {
	return unicode.IsLetter(rune(ch))
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
