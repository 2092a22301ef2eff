// Package manifest loads agent definitions from YAML files and keeps the
// registry in sync with a directory of them.
//
// A manifest looks like:
//
//	id: math-tutor
//	name: Math Tutor
//	description: Solves equations step by step
//	capabilities: [math, algebra]
//	locator: builtin:llm
//	config:
//	  provider: anthropic
//	  model: claude-sonnet-4-5
//	  instruction: You are a patient math tutor.
//
// A manifest without an id takes the file name without extension.
package manifest
