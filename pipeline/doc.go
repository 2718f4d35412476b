// Package pipeline wraps every handler invocation in an ordered chain of middlewares.
//
// Middlewares declare their position relative to each other with Before and After constraints.
// NewComposite linearises them once with a topological sort and folds them so the first middleware
// wraps all later ones. The canonical order, outermost first, is:
//
//	tracing → error-handling → reply-validation → unit-of-work → handled-by → handler
package pipeline
