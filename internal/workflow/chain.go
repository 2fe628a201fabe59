package workflow

import "github.com/puran-edu/approval-chain-api/internal/models"

// Action enumerates the operations an actor can take on a pending message.
type Action string

const (
	ActionApprove Action = "Approve"
	ActionReject  Action = "Reject"
	ActionForward Action = "Forward"
)

// Valid reports whether the action is one of the supported verbs.
func (a Action) Valid() bool {
	switch a {
	case ActionApprove, ActionReject, ActionForward:
		return true
	default:
		return false
	}
}

// stage describes one link of the approval chain.
type stage struct {
	role             models.UserRole
	next             models.UserRole
	departmentScoped bool
}

// Chain is the ordered sequence of roles a message passes through. It is
// static configuration: transition logic reads it, never mutates it.
type Chain struct {
	stages []stage
	index  map[models.UserRole]int
}

// NewChain builds a chain from the ordered roles. The scoped set marks roles
// whose actor resolution is filtered by department.
func NewChain(order []models.UserRole, scoped map[models.UserRole]bool) *Chain {
	c := &Chain{index: make(map[models.UserRole]int, len(order))}
	for i, role := range order {
		var next models.UserRole
		if i+1 < len(order) {
			next = order[i+1]
		}
		c.stages = append(c.stages, stage{role: role, next: next, departmentScoped: scoped[role]})
		c.index[role] = i
	}
	return c
}

// Default returns the institutional approval chain:
// Teacher -> HOD -> Principal -> Director -> CEO -> Chairman.
func Default() *Chain {
	return NewChain(
		[]models.UserRole{
			models.RoleTeacher,
			models.RoleHOD,
			models.RolePrincipal,
			models.RoleDirector,
			models.RoleCEO,
			models.RoleChairman,
		},
		map[models.UserRole]bool{
			models.RoleTeacher:   true,
			models.RoleHOD:       true,
			models.RolePrincipal: true,
		},
	)
}

// Entry returns the first role of the chain, the one a newly created message
// is assigned to.
func (c *Chain) Entry() models.UserRole {
	return c.stages[0].role
}

// Contains reports whether the role is a member of the chain.
func (c *Chain) Contains(role models.UserRole) bool {
	_, ok := c.index[role]
	return ok
}

// Successor returns the role that follows the given one. The second return is
// false when the role is terminal (last in the chain) or not a member at all.
func (c *Chain) Successor(role models.UserRole) (models.UserRole, bool) {
	i, ok := c.index[role]
	if !ok {
		return "", false
	}
	next := c.stages[i].next
	if next == "" {
		return "", false
	}
	return next, true
}

// Terminal reports whether the role is the last link of the chain.
func (c *Chain) Terminal(role models.UserRole) bool {
	i, ok := c.index[role]
	if !ok {
		return false
	}
	return c.stages[i].next == ""
}

// DepartmentScoped reports whether actor resolution for the role is filtered
// by the message's department.
func (c *Chain) DepartmentScoped(role models.UserRole) bool {
	i, ok := c.index[role]
	if !ok {
		return false
	}
	return c.stages[i].departmentScoped
}

// Roles returns the chain members in order.
func (c *Chain) Roles() []models.UserRole {
	roles := make([]models.UserRole, len(c.stages))
	for i, s := range c.stages {
		roles[i] = s.role
	}
	return roles
}
