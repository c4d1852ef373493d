package query

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/emen/pkg/types"
)

func texts(lexemes []lexeme) []string {
	out := make([]string, len(lexemes))
	for i, lx := range lexemes {
		out[i] = lx.text
	}
	return out
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"spaces", "@person  $age", []string{"@person", "$age"}},
		{"operators split", "$age>=25", []string{"$age", ">=", "25"}},
		{"between", "$age><20,30", []string{"$age", "><", "20", ",", "30"}},
		{"equality", "$name==bob", []string{"$name", "==", "bob"}},
		{"single equals", "$name = bob", []string{"$name", "=", "bob"}},
		{"quoted", `$notes == "book club"`, []string{"$notes", "==", "book club"}},
		{"unterminated quote", `$notes == "book`, []string{"$notes", "==", "book"}},
		{"empty", "   ", nil},
		{"unicode space", "a b", []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tokenize(tt.text)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, texts(got))
		})
	}
	assert.True(t, tokenize(`"a b"`)[0].quoted)
}

func testCatalog() *catalog {
	return newCatalog(
		[]string{"person", "category", "sample"},
		[]string{"age", "height", "notes", "sample"},
		[]string{"alice", "bob"},
		types.DefaultRegistry(),
	)
}

func render(tokens []Token) []string {
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		out[i] = tok.String()
	}
	return out
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"prefixed names", "@person $age > 25", []string{"@person", "$age", ">", "25"}},
		{"bare names", "person age greater than 25", []string{"@person", "$age", ">", "25"}},
		{"plural schema", "people persons", []string{"@person"}},
		{"ies plural", "categories", []string{"@category"}},
		{"plural field", "$ages", []string{"$age"}},
		{"negated", "!person", []string{"!person"}},
		{"user", "%alice bob", []string{"%alice", "%bob"}},
		{"unknown bare words dropped", "show me every person", []string{"@person"}},
		{"synonyms", "children 5 parents 6 cousins 7", []string{"child", "5", "parent", "6", "cousin", "7"}},
		{"between and", "$age between 20 and 30", []string{"$age", "><", "20", ",", "30"}},
		{"is", "$notes is reading", []string{"$notes", "==", "reading"}},
		{"value may be a keyword", "$notes == plot", []string{"$notes", "==", "plot"}},
		{"group by type", "find @person by rectype", []string{"find", "@person", "group", "@*"}},
		{"unit", "$height > 150 cm", []string{"$height", ">", "150 cm"}},
		{"range units", "$height between 1 m and 200 cm", []string{"$height", "><", "1 m", ",", "200 cm"}},
		{"versus", "plot age versus height", []string{"plot", "$age", "vs", "$height"}},
		{"case folded", "PERSON", []string{"@person"}},
	}
	c := testCatalog()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalize(tokenize(tt.text), c)
			require.NoError(t, err)
			assert.Equal(t, tt.want, render(got))
		})
	}
}

func TestNormalize_Errors(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		code  string
		token string
	}{
		{"unknown prefixed type", "@widget", types.QueryUnknownName, "@widget"},
		{"unknown prefixed field", "$weight > 3", types.QueryUnknownName, "$weight"},
		{"unknown user", "%mallory", types.QueryUnknownName, "%mallory"},
		{"ambiguous bare word", "sample", types.QueryAmbiguousName, "sample"},
	}
	c := testCatalog()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := normalize(tokenize(tt.text), c)
			var qe *types.QueryError
			if !errors.As(err, &qe) {
				t.Fatalf("expected QueryError, got %v", err)
			}
			assert.Equal(t, tt.code, qe.Code)
			assert.Equal(t, tt.token, qe.Token)
			assert.ErrorIs(t, err, types.ErrQuery)
		})
	}

	// Prefixes resolve an otherwise ambiguous name.
	got, err := normalize(tokenize("@sample $sample"), c)
	require.NoError(t, err)
	assert.Equal(t, []string{"@sample", "$sample"}, render(got))
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		text string
		code string
	}{
		{"two commands", "plot histogram $age", types.QueryTooManyCommands},
		{"timeline", "timeline @person", types.QueryNotImplemented},
		{"operator without field", "> 5", types.QuerySyntax},
		{"missing value", "$age >", types.QuerySyntax},
		{"half range", "$age between 5", types.QuerySyntax},
		{"stray value", "@person 42", types.QuerySyntax},
		{"group without target", "@person group", types.QuerySyntax},
		{"plot without vs", "plot $age", types.QuerySyntax},
		{"histogram without field", "histogram @person", types.QuerySyntax},
		{"all types without group", "@*", types.QuerySyntax},
	}
	c := testCatalog()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens, err := normalize(tokenize(tt.text), c)
			require.NoError(t, err)
			_, err = parse(tokens)
			var qe *types.QueryError
			require.ErrorAs(t, err, &qe)
			assert.Equal(t, tt.code, qe.Code)
		})
	}
}

func TestParse_Plan(t *testing.T) {
	tokens, err := normalize(tokenize("plot $height vs $age @person !sample by $notes"), testCatalog())
	require.NoError(t, err)
	p, err := parse(tokens)
	require.NoError(t, err)
	assert.Equal(t, CmdPlot, p.command)
	assert.Equal(t, "height", p.y)
	assert.Equal(t, "age", p.x)
	assert.Equal(t, []string{"person"}, p.include)
	assert.Equal(t, []string{"sample"}, p.exclude)
	require.NotNil(t, p.groupBy)
	assert.Equal(t, "$notes", p.groupBy.String())
	assert.Len(t, p.preds, 2)
}
