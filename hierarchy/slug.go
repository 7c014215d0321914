package hierarchy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrMalformedPath = errors.New("malformed hierarchy path")

// PathQuery is a parsed navigation slug.
//
//	"L1"          -> Level 1, no parent
//	"L1/<id>"     -> parent name only (Level 0)
//	"L1/<id>/L2"  -> Level 2 children of <id>
type PathQuery struct {
	Level    int
	ParentId *uint
}

// ParseSlug parses a navigation path. Tokens are case-insensitive and
// surrounding slashes are ignored.
func ParseSlug(slug string) (PathQuery, error) {
	trimmed := strings.Trim(strings.TrimSpace(slug), "/")
	if trimmed == "" {
		return PathQuery{}, fmt.Errorf("%w: empty path", ErrMalformedPath)
	}
	tokens := strings.Split(trimmed, "/")
	if !strings.EqualFold(tokens[0], "L1") {
		return PathQuery{}, fmt.Errorf("%w: %q must start with L1", ErrMalformedPath, slug)
	}
	if len(tokens) == 1 {
		return PathQuery{Level: 1}, nil
	}

	id, err := strconv.ParseUint(tokens[1], 10, 64)
	if err != nil || id == 0 {
		return PathQuery{}, fmt.Errorf("%w: %q is not a node id", ErrMalformedPath, tokens[1])
	}
	parentId := uint(id)

	switch {
	case len(tokens) == 2:
		return PathQuery{Level: 0, ParentId: &parentId}, nil
	case len(tokens) == 3 && strings.EqualFold(tokens[2], "L2"):
		return PathQuery{Level: 2, ParentId: &parentId}, nil
	default:
		return PathQuery{}, fmt.Errorf("%w: %q", ErrMalformedPath, slug)
	}
}

// String renders the canonical form of the query.
func (q PathQuery) String() string {
	switch {
	case q.ParentId == nil:
		return "L1"
	case q.Level == 2:
		return fmt.Sprintf("L1/%d/L2", *q.ParentId)
	default:
		return fmt.Sprintf("L1/%d", *q.ParentId)
	}
}
