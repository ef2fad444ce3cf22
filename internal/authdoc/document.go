// Package authdoc fetches and parses a library's self-description document.
//
// The validator is pure with respect to persisted state: it returns a
// structured Document for the registration controller to act on, and never
// touches storage itself.
package authdoc

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ParseError reports a document that fetched fine but cannot be accepted.
// NoCoverage distinguishes the one structurally valid rejection, a document
// declaring no service area at all, so callers can report it separately.
type ParseError struct {
	Reason     string
	NoCoverage bool
}

func (e *ParseError) Error() string { return "invalid authentication document: " + e.Reason }

// CoverageKind tags a coverage description.
type CoverageKind string

const (
	// KindEligibility marks territory inside which anyone qualifies.
	KindEligibility CoverageKind = "eligibility"
	// KindFocus marks the population the library primarily targets. Focus
	// drives ranking only; it never gates qualification.
	KindFocus CoverageKind = "focus"
)

// CoverageRef is one place reference from a coverage block, ready for the
// geographic resolver. Scope is an optional enclosing reference (usually a
// nation) used to disambiguate.
type CoverageRef struct {
	Kind  CoverageKind
	Text  string
	Scope string
}

// Link is a contact or informational link declared by the document.
type Link struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
	Type string `json:"type,omitempty"`
}

// Document is a parsed authentication document.
type Document struct {
	// ID is the library's stable identifier; re-registration matches on it.
	ID          string
	Title       string
	Description string
	WebsiteURL  string
	Links       []Link
	Coverage    []CoverageRef
}

const (
	relHelp      = "help"
	relCopyright = "http://librarysimplified.org/rel/designated-agent/copyright"
	relWebsite   = "alternate"
)

var (
	mailtoShape = regexp.MustCompile(`^mailto:`)
	httpShape   = regexp.MustCompile(`^https?://`)
)

// rawDocument mirrors the document's wire format. Coverage values are
// deferred: each may be the string "everywhere", a list of references, or a
// map of nation to either of those.
type rawDocument struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Links       []Link          `json:"links"`
	ServiceArea json.RawMessage `json:"service_area"`
	FocusArea   json.RawMessage `json:"focus_area"`
}

// Parse validates and extracts an authentication document.
//
// A document missing its id or title is malformed. A document declaring no
// coverage at all cannot be registered: a library with no service area has
// nothing to discover. Contact links are verified here so a registration
// failure points at the document, not at a later delivery error.
func Parse(data []byte) (*Document, error) {
	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ParseError{Reason: "not valid JSON: " + err.Error()}
	}
	if strings.TrimSpace(raw.ID) == "" {
		return nil, &ParseError{Reason: "missing id"}
	}
	if strings.TrimSpace(raw.Title) == "" {
		return nil, &ParseError{Reason: "missing title"}
	}

	if err := verifyLink(raw.Links, relHelp, httpShape, mailtoShape); err != nil {
		return nil, err
	}
	if err := verifyLink(raw.Links, relCopyright, mailtoShape); err != nil {
		return nil, err
	}

	eligibility, err := parseCoverage(raw.ServiceArea, KindEligibility)
	if err != nil {
		return nil, err
	}
	focus, err := parseCoverage(raw.FocusArea, KindFocus)
	if err != nil {
		return nil, err
	}
	if len(eligibility) == 0 && len(focus) == 0 {
		return nil, &ParseError{Reason: "no coverage declared", NoCoverage: true}
	}
	// A document with only a focus area serves that same territory.
	if len(eligibility) == 0 {
		for _, ref := range focus {
			eligibility = append(eligibility, CoverageRef{Kind: KindEligibility, Text: ref.Text, Scope: ref.Scope})
		}
	}

	doc := &Document{
		ID:          strings.TrimSpace(raw.ID),
		Title:       strings.TrimSpace(raw.Title),
		Description: strings.TrimSpace(raw.Description),
		WebsiteURL:  findLink(raw.Links, relWebsite),
		Links:       raw.Links,
		Coverage:    append(eligibility, focus...),
	}
	return doc, nil
}

// ContactLink returns the document's help link, the channel validations are
// delivered through.
func (d *Document) ContactLink() string { return findLink(d.Links, relHelp) }

// EligibilityRefs returns the eligibility subset of the coverage.
func (d *Document) EligibilityRefs() []CoverageRef { return d.refs(KindEligibility) }

// FocusRefs returns the focus subset of the coverage.
func (d *Document) FocusRefs() []CoverageRef { return d.refs(KindFocus) }

func (d *Document) refs(kind CoverageKind) []CoverageRef {
	var out []CoverageRef
	for _, ref := range d.Coverage {
		if ref.Kind == kind {
			out = append(out, ref)
		}
	}
	return out
}

// parseCoverage accepts the three coverage spellings:
//
//	"everywhere"
//	["Springfield, MA", "02138"]
//	{"US": ["Springfield, MA"], "CA": "everywhere"}
func parseCoverage(raw json.RawMessage, kind CoverageKind) ([]CoverageRef, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if !strings.EqualFold(str, "everywhere") {
			return nil, &ParseError{Reason: fmt.Sprintf("%s coverage: unrecognized value %q", kind, str)}
		}
		return []CoverageRef{{Kind: kind, Text: "everywhere"}}, nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return coverageList(list, kind, "")
	}

	var byNation map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byNation); err == nil {
		nations := make([]string, 0, len(byNation))
		for nation := range byNation {
			nations = append(nations, nation)
		}
		sort.Strings(nations)

		var out []CoverageRef
		for _, nation := range nations {
			sub := byNation[nation]
			var nationStr string
			if err := json.Unmarshal(sub, &nationStr); err == nil {
				if strings.EqualFold(nationStr, "everywhere") {
					// The whole nation is covered.
					out = append(out, CoverageRef{Kind: kind, Text: nation})
					continue
				}
				// A bare string where a list belongs; tolerated.
				refs, err := coverageList([]string{nationStr}, kind, nation)
				if err != nil {
					return nil, err
				}
				out = append(out, refs...)
				continue
			}
			var subList []string
			if err := json.Unmarshal(sub, &subList); err != nil {
				return nil, &ParseError{Reason: fmt.Sprintf("%s coverage for %q is neither a list nor \"everywhere\"", kind, nation)}
			}
			refs, err := coverageList(subList, kind, nation)
			if err != nil {
				return nil, err
			}
			out = append(out, refs...)
		}
		return out, nil
	}

	return nil, &ParseError{Reason: string(kind) + " coverage has an unrecognized shape"}
}

func coverageList(refs []string, kind CoverageKind, scope string) ([]CoverageRef, error) {
	out := make([]CoverageRef, 0, len(refs))
	for _, text := range refs {
		text = strings.TrimSpace(text)
		if text == "" {
			return nil, &ParseError{Reason: string(kind) + " coverage contains an empty reference"}
		}
		out = append(out, CoverageRef{Kind: kind, Text: text, Scope: scope})
	}
	return out, nil
}

// verifyLink requires a link with the given rel whose href matches one of
// the allowed shapes.
func verifyLink(links []Link, rel string, shapes ...*regexp.Regexp) error {
	for _, l := range links {
		if l.Rel != rel {
			continue
		}
		for _, shape := range shapes {
			if shape.MatchString(l.Href) {
				return nil
			}
		}
	}
	return &ParseError{Reason: fmt.Sprintf("missing or invalid %q link", rel)}
}

func findLink(links []Link, rel string) string {
	for _, l := range links {
		if l.Rel == rel {
			return l.Href
		}
	}
	return ""
}
