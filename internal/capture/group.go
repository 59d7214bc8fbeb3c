package capture

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ghalamif/AegisRelay/internal/domain"
)

// Mode is the capture classification of a policy group.
type Mode uint8

const (
	ModeInclude Mode = iota
	ModeCurrent
	ModeArchive
)

func (m Mode) String() string {
	switch m {
	case ModeCurrent:
		return "CURRENT"
	case ModeArchive:
		return "ARCHIVE"
	default:
		return "INCLUDE"
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INCLUDE":
		return ModeInclude, nil
	case "CURRENT":
		return ModeCurrent, nil
	case "ARCHIVE", "ARCHIVED":
		return ModeArchive, nil
	}
	return ModeInclude, fmt.Errorf("unknown capture mode %q", s)
}

func (m Mode) tag() domain.CaptureTag {
	switch m {
	case ModeArchive:
		return domain.CaptureArchived
	case ModeCurrent:
		return domain.CaptureCurrent
	}
	return domain.CaptureNone
}

// Group is a named set of allow/deny filters. ID is generated per process;
// Name is what Includes refer to.
type Group struct {
	ID       string
	Name     string
	Mode     Mode
	Allow    []Expr
	Deny     []Expr
	Includes []string
}

func NewGroup(name string, mode Mode, allow, deny, includes []string) *Group {
	g := &Group{
		ID:       uuid.NewString(),
		Name:     name,
		Mode:     mode,
		Includes: append([]string(nil), includes...),
	}
	for _, s := range allow {
		g.Allow = append(g.Allow, ParseExpr(s))
	}
	for _, s := range deny {
		g.Deny = append(g.Deny, ParseExpr(s))
	}
	return g
}

// Allows applies the combination rule: an empty allow list admits
// everything, and any deny match excludes.
func (g *Group) Allows(item *domain.DataItemDefinition, chain []*domain.ComponentDefinition) bool {
	allowed := len(g.Allow) == 0
	for _, f := range g.Allow {
		if f.Match(item, chain) {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	for _, f := range g.Deny {
		if f.Match(item, chain) {
			return false
		}
	}
	return true
}
