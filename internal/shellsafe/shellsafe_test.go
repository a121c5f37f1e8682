package shellsafe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSafeTokenAcceptsOrdinaryIdentifiers(t *testing.T) {
	cases := []string{"be-1.example.com", "fe_node_2", "fetch_log", "10.0.0.5"}
	for _, c := range cases {
		assert.True(t, IsSafeToken(c), "expected %q to be safe", c)
	}
}

func TestIsSafeTokenRejectsShellMetacharacters(t *testing.T) {
	cases := []string{"node;rm -rf /", "node`id`", "node$(whoami)", "node|cat", "node&bg"}
	for _, c := range cases {
		assert.False(t, IsSafeToken(c), "expected %q to be rejected", c)
	}
}

func TestIsSafeTokenRejectsQuotesAndControlChars(t *testing.T) {
	cases := []string{`node"`, "node'", "node\nmore", "node\r"}
	for _, c := range cases {
		assert.False(t, IsSafeToken(c))
	}
}

func TestIsSafeTokenRejectsLeadingDash(t *testing.T) {
	assert.False(t, IsSafeToken("--help"))
}

func TestValidateReturnsSpecificErrors(t *testing.T) {
	_, err := Validate("")
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Validate("a;b")
	assert.ErrorIs(t, err, ErrShellMetachar)

	_, err = Validate(`a"b`)
	assert.ErrorIs(t, err, ErrQuoteChar)

	_, err = Validate("-x")
	assert.ErrorIs(t, err, ErrOptionLookAlike)

	_, err = Validate("a/b")
	assert.ErrorIs(t, err, ErrInvalidChars)
}

func TestValidateTrimsWhitespace(t *testing.T) {
	out, err := Validate("  be-1  ")
	assert.NoError(t, err)
	assert.Equal(t, "be-1", out)
}
