package concept

import (
	"context"
	"fmt"
	"sync"

	"github.com/weftworks/weft/internal/value"
)

// Schedule is the scheduling demo concept: terms (e.g. "Fall") holding
// sections, each section owned by the user who created it. State is
// in-memory and process-local; the action log, not this map, is what
// rules match against.
//
// Actions:
//   - create_term {name} -> {term, name}
//   - delete_term {term} -> {deleted}
//   - create_section {term, title, owner} -> {section, term, title, owner}
//   - delete_section {section} -> {deleted}
//   - get_section {section} -> {section, term, title, owner}
//
// Business failures come back as {error: "..."} outputs.
type Schedule struct {
	mu          sync.Mutex
	terms       map[string]string // term id -> name
	sections    map[string]section
	nextTerm    int
	nextSection int
}

type section struct {
	term  string
	title string
	owner string
}

// NewSchedule creates an empty scheduling concept.
func NewSchedule() *Schedule {
	return &Schedule{
		terms:    make(map[string]string),
		sections: make(map[string]section),
	}
}

// Invoke implements Invoker.
func (s *Schedule) Invoke(_ context.Context, action string, input value.Object) (value.Object, error) {
	switch action {
	case "create_term":
		return s.createTerm(input), nil
	case "delete_term":
		return s.deleteTerm(input), nil
	case "create_section":
		return s.createSection(input), nil
	case "delete_section":
		return s.deleteSection(input), nil
	case "get_section":
		return s.getSection(input), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

func (s *Schedule) createTerm(input value.Object) value.Object {
	name, ok := stringField(input, "name")
	if !ok {
		return failure("name required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTerm++
	id := fmt.Sprintf("t%d", s.nextTerm)
	s.terms[id] = name

	return value.Object{
		"term": value.String(id),
		"name": value.String(name),
	}
}

func (s *Schedule) deleteTerm(input value.Object) value.Object {
	id, ok := stringField(input, "term")
	if !ok {
		return failure("term required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.terms[id]; !exists {
		return failure(fmt.Sprintf("unknown term %q", id))
	}
	delete(s.terms, id)

	// Sections of the term are not cascaded here; the rule set decides
	// whether a term deletion fans out into section deletions.
	return value.Object{"deleted": value.String(id)}
}

func (s *Schedule) createSection(input value.Object) value.Object {
	term, ok := stringField(input, "term")
	if !ok {
		return failure("term required")
	}
	title, ok := stringField(input, "title")
	if !ok {
		return failure("title required")
	}
	owner, ok := stringField(input, "owner")
	if !ok {
		return failure("owner required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.terms[term]; !exists {
		return failure(fmt.Sprintf("unknown term %q", term))
	}
	s.nextSection++
	id := fmt.Sprintf("s%d", s.nextSection)
	s.sections[id] = section{term: term, title: title, owner: owner}

	return value.Object{
		"section": value.String(id),
		"term":    value.String(term),
		"title":   value.String(title),
		"owner":   value.String(owner),
	}
}

func (s *Schedule) deleteSection(input value.Object) value.Object {
	id, ok := stringField(input, "section")
	if !ok {
		return failure("section required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sections[id]; !exists {
		return failure(fmt.Sprintf("unknown section %q", id))
	}
	delete(s.sections, id)

	return value.Object{"deleted": value.String(id)}
}

func (s *Schedule) getSection(input value.Object) value.Object {
	id, ok := stringField(input, "section")
	if !ok {
		return failure("section required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sec, exists := s.sections[id]
	if !exists {
		return failure(fmt.Sprintf("unknown section %q", id))
	}

	return value.Object{
		"section": value.String(id),
		"term":    value.String(sec.term),
		"title":   value.String(sec.title),
		"owner":   value.String(sec.owner),
	}
}

// SectionCount reports how many sections exist, for tests.
func (s *Schedule) SectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sections)
}
