package classify

// Engine bundles classification and clarification behind one surface, which
// is what the query pipeline consumes.
type Engine struct {
	*Classifier
	*Clarifier
}

// NewEngine creates an engine with default rules.
func NewEngine() *Engine {
	return &Engine{
		Classifier: New(),
		Clarifier:  NewClarifier(),
	}
}
