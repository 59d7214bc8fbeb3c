package capture

import (
	"path"
	"strings"

	"github.com/ghalamif/AegisRelay/internal/domain"
)

// Expr is a parsed filter expression of the form
// "[component/...]item". The last segment is matched against the data
// item's type, sub type, category, id or name; earlier segments must match,
// in order, some subsequence of the owning component chain.
type Expr struct {
	raw   string
	chain []string
	item  string
}

func ParseExpr(s string) Expr {
	parts := strings.Split(strings.Trim(strings.TrimSpace(s), "/"), "/")
	e := Expr{raw: s}
	for i, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if i == len(parts)-1 {
			e.item = p
			continue
		}
		if p != "" {
			e.chain = append(e.chain, p)
		}
	}
	return e
}

func (e Expr) String() string { return e.raw }

// Match reports whether item, owned by the root-to-leaf component chain,
// satisfies the expression.
func (e Expr) Match(item *domain.DataItemDefinition, chain []*domain.ComponentDefinition) bool {
	if item == nil || e.item == "" {
		return false
	}
	if !anyGlob(e.item, item.Type, item.SubType, item.Category, item.ID, item.Name) {
		return false
	}

	next := 0
	for _, c := range chain {
		if next == len(e.chain) {
			break
		}
		if anyGlob(e.chain[next], c.Type, c.ID, c.Name) {
			next++
		}
	}
	return next == len(e.chain)
}

func anyGlob(pattern string, values ...string) bool {
	for _, v := range values {
		if v == "" {
			continue
		}
		ok, err := path.Match(pattern, strings.ToLower(v))
		if err == nil && ok {
			return true
		}
	}
	return false
}
