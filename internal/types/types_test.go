package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRolePermissions(t *testing.T) {
	tcases := []struct {
		role      Role
		canEdit   bool
		canManage bool
	}{
		{RoleOwner, true, true},
		{RoleAdmin, true, true},
		{RoleEditor, true, false},
		{RoleGuest, false, false},
		{Role("unknown"), false, false},
	}

	for _, tc := range tcases {
		t.Run(string(tc.role), func(t *testing.T) {
			assert.Equal(t, tc.canEdit, tc.role.CanEdit(), "unexpected edit permission")
			assert.Equal(t, tc.canManage, tc.role.CanManageMembers(), "unexpected member management permission")
		})
	}
}

func TestChatMessage_Seen(t *testing.T) {
	msg := ChatMessage{ReadBy: []int{1}}
	assert.False(t, msg.Seen(), "expected unseen when only the author has read it")

	msg.ReadBy = append(msg.ReadBy, 2)
	assert.True(t, msg.Seen(), "expected seen once another user has read it")
}

func TestChatMessage_HasReaction(t *testing.T) {
	msg := ChatMessage{Reactions: []Reaction{{Emoji: "👍", UserId: 1}}}

	assert.True(t, msg.HasReaction(1, "👍"), "expected existing reaction found")
	assert.False(t, msg.HasReaction(1, "❤️"), "expected different emoji not found")
	assert.False(t, msg.HasReaction(2, "👍"), "expected different user not found")
}
