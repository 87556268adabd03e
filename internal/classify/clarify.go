package classify

import (
	"sort"
	"strings"

	"codectx/internal/model"
)

// domainAspects maps recognized domain terms to the options offered when the
// query mentions them. Keys checked in deterministic order.
var domainAspects = map[string][]string{
	"auth":     {"How it works", "Where it is implemented", "What depends on it", "Security model"},
	"database": {"Schema", "Queries", "Connection handling", "Migrations"},
	"api":      {"Endpoints", "Request handling", "Error responses", "Versioning"},
	"cache":    {"What is cached", "Invalidation", "TTL policy", "Storage backend"},
	"deploy":   {"Build pipeline", "Runtime configuration", "Rollout", "Rollback"},
}

const maxQuestionsPerRound = 3

// Clarifier generates bounded clarification question sets.
type Clarifier struct{}

// NewClarifier creates a clarifier.
func NewClarifier() *Clarifier { return &Clarifier{} }

// Questions produces at most three clarifying questions for the query,
// required questions first. Identical (query, classification) inputs produce
// identical output.
func (c *Clarifier) Questions(queryText string, cls model.Classification) []model.ClarifyingQuestion {
	lower := strings.ToLower(queryText)
	var questions []model.ClarifyingQuestion

	if term, options := matchDomainTerm(lower); term != "" {
		questions = append(questions, model.ClarifyingQuestion{
			Key:            "aspect",
			Question:       "Which aspect of " + term + " are you asking about?",
			Options:        options,
			MultipleChoice: true,
			Required:       true,
		})
	} else {
		questions = append(questions, model.ClarifyingQuestion{
			Key:      "goal",
			Question: "What are you trying to accomplish?",
			Required: true,
		})
	}

	questions = append(questions, model.ClarifyingQuestion{
		Key:            "scope",
		Question:       "Should the answer cover the whole codebase or a specific component?",
		Options:        []string{"All components", "A specific component"},
		MultipleChoice: true,
	})

	if cls.Clarity == model.ClarityRequiresContext {
		questions = append(questions, model.ClarifyingQuestion{
			Key:      "referent",
			Question: "Which file, class, or function are you referring to?",
			Required: true,
		})
	}

	sort.SliceStable(questions, func(i, j int) bool {
		return questions[i].Required && !questions[j].Required
	})
	if len(questions) > maxQuestionsPerRound {
		questions = questions[:maxQuestionsPerRound]
	}
	return questions
}

// matchDomainTerm returns the first recognized domain term in the query, in
// fixed alphabetical order so generation stays deterministic.
func matchDomainTerm(lower string) (string, []string) {
	terms := make([]string, 0, len(domainAspects))
	for t := range domainAspects {
		terms = append(terms, t)
	}
	sort.Strings(terms)
	for _, t := range terms {
		if strings.Contains(lower, t) {
			return t, domainAspects[t]
		}
	}
	return "", nil
}
