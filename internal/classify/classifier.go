// Package classify decides intent, clarity, and handling mode for a query
// from its text alone. The rules are deterministic so identical queries
// always classify identically.
package classify

import (
	"fmt"
	"strings"

	"codectx/internal/model"
)

// Ambiguity indicator word lists. A query's clarity is graded by how many
// of these appear without a concrete referent alongside them.
var (
	danglingPronouns = []string{"it", "this", "that", "they", "them", "those", "these"}
	vagueQuantifiers = []string{"some", "stuff", "things", "thing", "whatever", "something", "anything", "everything"}
	contextDeterminers = []string{"the other", "the previous", "the same", "the aforementioned", "the above", "the earlier"}
)

// Intent keyword tables, checked in order. First hit wins within a table.
var (
	locationWords     = []string{"where", "located", "location", "which file", "path"}
	relationshipWords = []string{"call", "calls", "depend", "depends", "import", "imports", "relationship", "connected", "uses", "used by", "extends", "implements"}
	codeWords         = []string{"show", "code", "function", "class", "method", "implementation", "snippet", "source"}
	explanationWords  = []string{"why", "how", "explain", "what does", "describe", "purpose", "meaning"}
)

// Classifier grades queries. Stateless; safe for concurrent use.
type Classifier struct{}

// New creates a classifier.
func New() *Classifier { return &Classifier{} }

// Classify grades one query.
func (c *Classifier) Classify(queryText string) model.Classification {
	lower := strings.ToLower(queryText)
	words := tokenize(lower)

	var reasons []string
	indicators := 0

	for _, p := range danglingPronouns {
		if containsWord(words, p) && !hasAntecedent(queryText) {
			indicators++
			reasons = append(reasons, fmt.Sprintf("pronoun %q has no clear referent", p))
		}
	}
	for _, q := range vagueQuantifiers {
		if containsWord(words, q) {
			indicators++
			reasons = append(reasons, fmt.Sprintf("vague term %q", q))
		}
	}
	for _, d := range contextDeterminers {
		if strings.Contains(lower, d) {
			indicators++
			reasons = append(reasons, fmt.Sprintf("refers to prior context (%q)", d))
		}
	}

	cls := model.Classification{
		Intent:           detectIntent(lower),
		AmbiguityReasons: reasons,
	}
	switch {
	case indicators == 0:
		cls.Clarity = model.ClarityClear
		cls.Confidence = 0.9
		cls.SuggestedMode = model.ModeOneShot
	case indicators <= 2:
		cls.Clarity = model.ClarityAmbiguous
		cls.Confidence = 0.6
		cls.SuggestedMode = model.ModeConversational
	default:
		cls.Clarity = model.ClarityRequiresContext
		cls.Confidence = 0.3
		cls.SuggestedMode = model.ModeConversational
	}
	return cls
}

func detectIntent(lower string) model.Intent {
	wantsLocation := matchesAny(lower, locationWords)
	wantsRelationship := matchesAny(lower, relationshipWords)
	wantsCode := matchesAny(lower, codeWords)
	wantsExplanation := matchesAny(lower, explanationWords)

	switch {
	case wantsLocation:
		return model.IntentLocation
	case wantsRelationship:
		return model.IntentRelationship
	case wantsCode && wantsExplanation:
		return model.IntentBoth
	case wantsCode:
		return model.IntentCode
	case wantsExplanation:
		return model.IntentExplanation
	default:
		return model.IntentUnknown
	}
}

// hasAntecedent reports whether the query names a concrete referent, which
// disarms pronoun indicators. Identifier-like tokens (CamelCase, paths,
// snake_case) count as referents.
func hasAntecedent(queryText string) bool {
	for _, f := range strings.Fields(queryText) {
		f = strings.Trim(f, ".,?!()\"'")
		if len(f) < 3 {
			continue
		}
		if strings.ContainsAny(f, "./_") {
			return true
		}
		for i, r := range f {
			if i > 0 && r >= 'A' && r <= 'Z' {
				return true
			}
		}
	}
	return false
}

func matchesAny(lower string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(p, " ") {
			if strings.Contains(lower, p) {
				return true
			}
		} else if containsWord(tokenize(lower), p) {
			return true
		}
	}
	return false
}

func tokenize(lower string) []string {
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
}

func containsWord(words []string, w string) bool {
	for _, word := range words {
		if word == w {
			return true
		}
	}
	return false
}
