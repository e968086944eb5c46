package changes

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const opQuery = "changes.query"

// IsOperator evaluates an "is:<name>" query term against a change visible to caller.
type IsOperator func(notes *Notes, caller string) bool

// IsOperatorRegistry maps is-operator names to predicates.
type IsOperatorRegistry struct {
	mu        sync.RWMutex
	operators map[string]IsOperator
}

// NewIsOperatorRegistry constructs an empty registry.
func NewIsOperatorRegistry() *IsOperatorRegistry {
	return &IsOperatorRegistry{operators: make(map[string]IsOperator)}
}

// Register adds or replaces an operator.
func (r *IsOperatorRegistry) Register(name string, operator IsOperator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operators[strings.ToLower(name)] = operator
}

// Lookup returns the operator registered under name.
func (r *IsOperatorRegistry) Lookup(name string) (IsOperator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	operator, ok := r.operators[strings.ToLower(name)]
	return operator, ok
}

func registerBuiltinIsOperators(registry *IsOperatorRegistry) {
	registry.Register("open", func(notes *Notes, _ string) bool { return notes.Change.Status == StatusNew })
	registry.Register("closed", func(notes *Notes, _ string) bool { return notes.Change.Status != StatusNew })
	registry.Register("merged", func(notes *Notes, _ string) bool { return notes.Change.Status == StatusMerged })
	registry.Register("abandoned", func(notes *Notes, _ string) bool { return notes.Change.Status == StatusAbandoned })
	registry.Register("private", func(notes *Notes, _ string) bool { return notes.Change.Private })
	registry.Register("wip", func(notes *Notes, _ string) bool { return notes.Change.WorkInProgress })
	registry.Register("owner", func(notes *Notes, caller string) bool { return notes.Change.Owner == caller })
	registry.Register("reviewed", func(notes *Notes, _ string) bool {
		for _, vote := range notes.CurrentVotes() {
			if vote.Account != notes.Change.Owner {
				return true
			}
		}
		return false
	})
}

type compiledQuery struct {
	filter     ListFilter
	number     int64
	predicates []func(*Notes) bool
}

func (s *Service) compileQuery(caller, query string) (compiledQuery, error) {
	var compiled compiledQuery
	for _, term := range strings.Fields(query) {
		if number, err := strconv.ParseInt(term, 10, 64); err == nil {
			compiled.number = number
			continue
		}
		key, value, found := strings.Cut(term, ":")
		if !found || value == "" {
			return compiledQuery{}, badRequestf(opQuery, "invalid_term", "Unsupported query term: %s", term)
		}
		switch strings.ToLower(key) {
		case "status":
			status, ok := ParseStatus(value)
			if !ok {
				return compiledQuery{}, badRequestf(opQuery, "invalid_status", "Unrecognized value: %s", value)
			}
			compiled.filter.Statuses = append(compiled.filter.Statuses, status)
		case "project":
			compiled.filter.Project = value
		case "branch":
			compiled.filter.Branch = value
		case "owner":
			if value == "self" {
				value = caller
			}
			compiled.filter.Owner = value
		case "topic":
			compiled.filter.Topic = value
		case "change":
			number, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return compiledQuery{}, badRequestf(opQuery, "invalid_change", "Unrecognized value: %s", value)
			}
			compiled.number = number
		case "is":
			operator, ok := s.isOperators.Lookup(value)
			if !ok {
				return compiledQuery{}, badRequestf(opQuery, "unknown_operator", "Unrecognized value: %s", value)
			}
			compiled.predicates = append(compiled.predicates, func(notes *Notes) bool { return operator(notes, caller) })
		default:
			return compiledQuery{}, badRequestf(opQuery, "unsupported_operator", "Unsupported operator %s", key)
		}
	}
	return compiled, nil
}

// Query returns the visible changes matching every term of query, most recently updated first.
func (s *Service) Query(ctx context.Context, caller, query string) ([]*Notes, error) {
	compiled, err := s.compileQuery(caller, query)
	if err != nil {
		return nil, err
	}
	reader := s.store.Reader()
	var candidates []Change
	if compiled.number > 0 {
		change, err := reader.Change(ctx, compiled.number)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return []*Notes{}, nil
			}
			return nil, err
		}
		candidates = []Change{change}
	} else if candidates, err = reader.List(ctx, compiled.filter); err != nil {
		return nil, err
	}

	results := make([]*Notes, 0, len(candidates))
	for _, candidate := range candidates {
		notes, err := reader.Load(ctx, candidate.Number)
		if err != nil {
			if errors.Is(err, ErrCorruptMeta) {
				s.logError(opQuery, "corrupt_change_skipped", err, zap.Int64("change", candidate.Number))
				continue
			}
			return nil, err
		}
		if !s.CanSee(caller, notes) || !matches(notes, compiled) {
			continue
		}
		results = append(results, notes)
	}
	return results, nil
}

func matches(notes *Notes, compiled compiledQuery) bool {
	filter := compiled.filter
	if filter.Project != "" && notes.Change.Project != filter.Project {
		return false
	}
	if filter.Owner != "" && notes.Change.Owner != filter.Owner {
		return false
	}
	if len(filter.Statuses) > 0 {
		found := false
		for _, status := range filter.Statuses {
			found = found || notes.Change.Status == status
		}
		if !found {
			return false
		}
	}
	for _, predicate := range compiled.predicates {
		if !predicate(notes) {
			return false
		}
	}
	return true
}
