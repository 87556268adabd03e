package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codectx/internal/model"
)

func TestClassifyClearQuery(t *testing.T) {
	c := New()
	cls := c.Classify("Show me the AuthService class")

	assert.Equal(t, model.ClarityClear, cls.Clarity)
	assert.Equal(t, 0.9, cls.Confidence)
	assert.Equal(t, model.ModeOneShot, cls.SuggestedMode)
	assert.Equal(t, model.IntentCode, cls.Intent)
	assert.Empty(t, cls.AmbiguityReasons)
}

func TestClassifyAmbiguousQuery(t *testing.T) {
	c := New()
	cls := c.Classify("What about the auth thing?")

	assert.Equal(t, model.ClarityAmbiguous, cls.Clarity)
	assert.Equal(t, 0.6, cls.Confidence)
	assert.Equal(t, model.ModeConversational, cls.SuggestedMode)
	assert.NotEmpty(t, cls.AmbiguityReasons)
}

func TestClassifyRequiresContext(t *testing.T) {
	c := New()
	cls := c.Classify("why does it break when they change stuff in the same way")

	assert.Equal(t, model.ClarityRequiresContext, cls.Clarity)
	assert.Equal(t, 0.3, cls.Confidence)
	assert.Equal(t, model.ModeConversational, cls.SuggestedMode)
	assert.GreaterOrEqual(t, len(cls.AmbiguityReasons), 3)
}

func TestClassifyPronounWithReferentIsClear(t *testing.T) {
	c := New()
	cls := c.Classify("Show OrderService and explain how it validates input")

	assert.Equal(t, model.ClarityClear, cls.Clarity, "named referent disarms the pronoun")
}

func TestClassifyIntents(t *testing.T) {
	c := New()
	tests := []struct {
		query string
		want  model.Intent
	}{
		{"Where is the token validator located?", model.IntentLocation},
		{"Which functions call ParseConfig?", model.IntentRelationship},
		{"Show me the retry implementation", model.IntentCode},
		{"Explain the purpose of the scheduler", model.IntentExplanation},
		{"Show the code and explain how retries work", model.IntentBoth},
		{"banana", model.IntentUnknown},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, c.Classify(tc.query).Intent, "query %q", tc.query)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := New()
	a := c.Classify("What about the auth thing?")
	b := c.Classify("What about the auth thing?")
	assert.Equal(t, a, b)
}

func TestQuestionsInjectDomainAspect(t *testing.T) {
	cl := NewClarifier()
	cls := model.Classification{Clarity: model.ClarityAmbiguous}

	qs := cl.Questions("What about the auth thing?", cls)
	require.NotEmpty(t, qs)
	assert.Equal(t, "aspect", qs[0].Key)
	assert.True(t, qs[0].Required)
	assert.Contains(t, qs[0].Options, "How it works")
}

func TestQuestionsFallBackToGoalAndScope(t *testing.T) {
	cl := NewClarifier()
	cls := model.Classification{Clarity: model.ClarityAmbiguous}

	qs := cl.Questions("What about that other thing?", cls)
	require.Len(t, qs, 2)
	assert.Equal(t, "goal", qs[0].Key)
	assert.Equal(t, "scope", qs[1].Key)
}

func TestQuestionsCapAtThreeRequiredFirst(t *testing.T) {
	cl := NewClarifier()
	cls := model.Classification{Clarity: model.ClarityRequiresContext}

	qs := cl.Questions("why does the auth stuff do that", cls)
	require.Len(t, qs, 3)
	assert.True(t, qs[0].Required)
	assert.True(t, qs[1].Required)
	for i := 1; i < len(qs); i++ {
		if qs[i].Required {
			assert.True(t, qs[i-1].Required, "required questions precede optional")
		}
	}
}

func TestQuestionsAreDeterministic(t *testing.T) {
	cl := NewClarifier()
	cls := model.Classification{Clarity: model.ClarityAmbiguous}
	a := cl.Questions("What about the auth thing?", cls)
	b := cl.Questions("What about the auth thing?", cls)
	assert.Equal(t, a, b)
}
