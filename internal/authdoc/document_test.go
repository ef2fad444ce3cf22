package authdoc

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDocJSON() string {
	return `{
		"id": "https://library.example.org/catalog",
		"title": "Springfield Public Library",
		"description": "Serving Springfield since 1905.",
		"links": [
			{"rel": "help", "href": "mailto:help@library.example.org"},
			{"rel": "http://librarysimplified.org/rel/designated-agent/copyright", "href": "mailto:dmca@library.example.org"},
			{"rel": "alternate", "href": "https://library.example.org"}
		],
		"service_area": {"US": ["Springfield, MA"]},
		"focus_area": {"US": ["02138"]}
	}`
}

func TestParseValidDocument(t *testing.T) {
	doc, err := Parse([]byte(validDocJSON()))
	require.NoError(t, err)

	assert.Equal(t, "https://library.example.org/catalog", doc.ID)
	assert.Equal(t, "Springfield Public Library", doc.Title)
	assert.Equal(t, "https://library.example.org", doc.WebsiteURL)

	eligibility := doc.EligibilityRefs()
	require.Len(t, eligibility, 1)
	assert.Equal(t, "Springfield, MA", eligibility[0].Text)
	assert.Equal(t, "US", eligibility[0].Scope)

	focus := doc.FocusRefs()
	require.Len(t, focus, 1)
	assert.Equal(t, "02138", focus[0].Text)
}

func TestParseRejectsMissingRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"missing id", `{"title": "T", "service_area": "everywhere"}`, "missing id"},
		{"missing title", `{"id": "x", "service_area": "everywhere"}`, "missing title"},
		{"not json", `{{{`, "not valid JSON"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			var parseErr *ParseError
			require.ErrorAs(t, err, &parseErr)
			assert.Contains(t, parseErr.Reason, tc.want)
		})
	}
}

func TestParseRejectsMissingCoverage(t *testing.T) {
	doc := `{
		"id": "x", "title": "T",
		"links": [
			{"rel": "help", "href": "https://help.example.org"},
			{"rel": "http://librarysimplified.org/rel/designated-agent/copyright", "href": "mailto:dmca@example.org"}
		]
	}`
	_, err := Parse([]byte(doc))
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Contains(t, parseErr.Reason, "no coverage declared")
}

func TestParseRequiresContactLinks(t *testing.T) {
	base := `{"id": "x", "title": "T", "service_area": "everywhere", "links": [%s]}`

	t.Run("help link missing", func(t *testing.T) {
		doc := fmt.Sprintf(base, `{"rel": "http://librarysimplified.org/rel/designated-agent/copyright", "href": "mailto:a@b.c"}`)
		_, err := Parse([]byte(doc))
		var parseErr *ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.Contains(t, parseErr.Reason, `"help"`)
	})

	t.Run("copyright agent must be mailto", func(t *testing.T) {
		doc := fmt.Sprintf(base,
			`{"rel": "help", "href": "https://help.example.org"},
			 {"rel": "http://librarysimplified.org/rel/designated-agent/copyright", "href": "https://not-mailto.example.org"}`)
		_, err := Parse([]byte(doc))
		require.Error(t, err)
	})

	t.Run("help accepts http or mailto", func(t *testing.T) {
		for _, href := range []string{"https://help.example.org", "mailto:help@example.org"} {
			doc := fmt.Sprintf(base,
				fmt.Sprintf(`{"rel": "help", "href": %q},
				 {"rel": "http://librarysimplified.org/rel/designated-agent/copyright", "href": "mailto:a@b.c"}`, href))
			_, err := Parse([]byte(doc))
			require.NoError(t, err)
		}
	})
}

func TestParseCoverageShapes(t *testing.T) {
	links := `[
		{"rel": "help", "href": "mailto:h@e.org"},
		{"rel": "http://librarysimplified.org/rel/designated-agent/copyright", "href": "mailto:c@e.org"}
	]`

	t.Run("everywhere", func(t *testing.T) {
		doc, err := Parse([]byte(`{"id": "x", "title": "T", "links": ` + links + `, "service_area": "everywhere"}`))
		require.NoError(t, err)
		refs := doc.EligibilityRefs()
		require.Len(t, refs, 1)
		assert.Equal(t, "everywhere", refs[0].Text)
	})

	t.Run("bare list", func(t *testing.T) {
		doc, err := Parse([]byte(`{"id": "x", "title": "T", "links": ` + links + `, "service_area": ["Boston", "Cambridge"]}`))
		require.NoError(t, err)
		refs := doc.EligibilityRefs()
		require.Len(t, refs, 2)
		assert.Empty(t, refs[0].Scope)
	})

	t.Run("nation everywhere", func(t *testing.T) {
		doc, err := Parse([]byte(`{"id": "x", "title": "T", "links": ` + links + `, "service_area": {"US": "everywhere"}}`))
		require.NoError(t, err)
		refs := doc.EligibilityRefs()
		require.Len(t, refs, 1)
		assert.Equal(t, "US", refs[0].Text)
	})

	t.Run("unrecognized scalar", func(t *testing.T) {
		_, err := Parse([]byte(`{"id": "x", "title": "T", "links": ` + links + `, "service_area": "everything"}`))
		require.Error(t, err)
	})

	t.Run("empty reference in list", func(t *testing.T) {
		_, err := Parse([]byte(`{"id": "x", "title": "T", "links": ` + links + `, "service_area": ["  "]}`))
		require.Error(t, err)
	})
}

func TestParseFocusOnlyDocumentServesFocusTerritory(t *testing.T) {
	links := `[
		{"rel": "help", "href": "mailto:h@e.org"},
		{"rel": "http://librarysimplified.org/rel/designated-agent/copyright", "href": "mailto:c@e.org"}
	]`
	doc, err := Parse([]byte(`{"id": "x", "title": "T", "links": ` + links + `, "focus_area": ["Boston"]}`))
	require.NoError(t, err)

	require.Len(t, doc.EligibilityRefs(), 1)
	require.Len(t, doc.FocusRefs(), 1)
	assert.Equal(t, "Boston", doc.EligibilityRefs()[0].Text)
}
