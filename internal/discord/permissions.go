package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// AdminGate decides who may run commands that change bot-wide state, such
// as /togglevoice.
type AdminGate struct {
	roleID string
}

// NewAdminGate returns a gate for roleID. An empty roleID opens the gate to
// every guild member.
func NewAdminGate(roleID string) *AdminGate {
	return &AdminGate{roleID: roleID}
}

// Allows reports whether the interaction author passes the gate. Guild
// administrators always pass; direct-message interactions carry no member
// and never pass once a role is configured.
func (g *AdminGate) Allows(i *discordgo.InteractionCreate) bool {
	if g.roleID == "" {
		return true
	}
	m := i.Member
	if m == nil {
		return false
	}
	if m.Permissions&discordgo.PermissionAdministrator != 0 {
		return true
	}
	return slices.Contains(m.Roles, g.roleID)
}
