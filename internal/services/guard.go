package services

import (
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	domain "github.com/cuecraft/api/internal/domain"
)

// Resources and actions understood by the guard policy.
const (
	resourceOrder        = "order"
	resourceChat         = "chat"
	resourceNotification = "notification"
	resourceModeration   = "moderation"
	resourceCatalog      = "catalog"
	resourceLibrary      = "library"
	resourceAccount      = "account"

	actionCreate   = "create"
	actionRead     = "read"
	actionAssign   = "assign"
	actionOffer    = "offer"
	actionAccept   = "accept"
	actionReject   = "reject"
	actionStart    = "start"
	actionDeliver  = "deliver"
	actionRevise   = "revise"
	actionComplete = "complete"
	actionPay      = "pay"
	actionRefund   = "refund"
	actionWrite    = "write"
	actionUpdate   = "update"
	actionSubmit   = "submit"
	actionReview   = "review"
)

const guardModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

const memberRole = "member"

var guardGroups = [][]string{
	{string(domain.RoleCustomer), memberRole},
	{string(domain.RoleDirector), memberRole},
	{string(domain.RoleAdmin), memberRole},
}

var guardPolicy = [][]string{
	{memberRole, resourceAccount, actionRead},
	{memberRole, resourceOrder, actionRead},
	{memberRole, resourceChat, actionRead},
	{memberRole, resourceNotification, actionRead},
	{memberRole, resourceNotification, actionUpdate},

	{string(domain.RoleCustomer), resourceOrder, actionCreate},
	{string(domain.RoleCustomer), resourceOrder, actionAssign},
	{string(domain.RoleCustomer), resourceOrder, actionAccept},
	{string(domain.RoleCustomer), resourceOrder, actionReject},
	{string(domain.RoleCustomer), resourceOrder, actionRevise},
	{string(domain.RoleCustomer), resourceOrder, actionComplete},
	{string(domain.RoleCustomer), resourceLibrary, actionRead},
	{string(domain.RoleCustomer), resourceChat, actionWrite},

	{string(domain.RoleDirector), resourceOrder, actionOffer},
	{string(domain.RoleDirector), resourceOrder, actionStart},
	{string(domain.RoleDirector), resourceOrder, actionDeliver},
	{string(domain.RoleDirector), resourceChat, actionWrite},
	{string(domain.RoleDirector), resourceModeration, actionSubmit},
	{string(domain.RoleDirector), resourceCatalog, actionSubmit},

	{string(domain.RoleAdmin), resourceOrder, actionAssign},
	{string(domain.RoleAdmin), resourceModeration, actionRead},
	{string(domain.RoleAdmin), resourceModeration, actionReview},
	{string(domain.RoleAdmin), resourceNotification, actionCreate},

	{string(RoleSystem), resourceOrder, actionPay},
	{string(RoleSystem), resourceOrder, actionRefund},
	{string(RoleSystem), resourceNotification, actionCreate},
}

// Ownership decides whether the principal is related to the target record.
type Ownership func(Principal) bool

// Guard is the single authorisation gate: a casbin role policy followed by an optional ownership
// predicate evaluated against the loaded record.
type Guard struct {
	enforcer *casbin.Enforcer
}

// NewGuard builds the guard with the built-in marketplace policy.
func NewGuard() (*Guard, error) {
	m, err := model.NewModelFromString(guardModel)
	if err != nil {
		return nil, fmt.Errorf("guard: load model: %w", err)
	}
	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("guard: init enforcer: %w", err)
	}
	if _, err := enforcer.AddGroupingPolicies(guardGroups); err != nil {
		return nil, fmt.Errorf("guard: add role groups: %w", err)
	}
	if _, err := enforcer.AddPolicies(guardPolicy); err != nil {
		return nil, fmt.Errorf("guard: add policies: %w", err)
	}
	return &Guard{enforcer: enforcer}, nil
}

// Require returns ErrUnauthenticated without a principal, ErrForbidden when the role may not perform
// the action or when owns is set and rejects the principal.
func (g *Guard) Require(p Principal, resource, action string, owns Ownership) error {
	if strings.TrimSpace(p.UserID) == "" {
		return ErrUnauthenticated
	}
	allowed, err := g.enforcer.Enforce(string(p.Role), resource, action)
	if err != nil {
		return fmt.Errorf("guard: enforce %s:%s: %w", resource, action, err)
	}
	if !allowed {
		return fmt.Errorf("%w: role %q may not %s %s", ErrForbidden, p.Role, action, resource)
	}
	if owns != nil && !owns(p) {
		return fmt.Errorf("%w: %s is not permitted to %s this %s", ErrForbidden, p.UserID, action, resource)
	}
	return nil
}

// AnyOf passes when at least one predicate accepts the principal.
func AnyOf(preds ...Ownership) Ownership {
	return func(p Principal) bool {
		for _, pred := range preds {
			if pred != nil && pred(p) {
				return true
			}
		}
		return false
	}
}

// IsAdmin accepts administrators.
func IsAdmin(p Principal) bool { return p.IsAdmin() }

// IsUser accepts the principal with the given id.
func IsUser(userID string) Ownership {
	return func(p Principal) bool { return userID != "" && p.UserID == userID }
}

// OwnsOrder accepts the customer who created the order.
func OwnsOrder(order Order) Ownership {
	return IsUser(order.CustomerID)
}

// AssignedTo accepts the director assigned to the order.
func AssignedTo(order Order) Ownership {
	return func(p Principal) bool {
		id, ok := order.AssignedDirector()
		return ok && p.UserID == id
	}
}

// ParticipantOf accepts members of the chat.
func ParticipantOf(chat Chat) Ownership {
	return func(p Principal) bool { return chat.HasParticipant(p.UserID) }
}
