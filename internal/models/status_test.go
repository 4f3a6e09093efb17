package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusExpired, true},
		{StatusProcessing, StatusApproved, true},
		{StatusProcessing, StatusExpired, true},
		{StatusProcessing, StatusPending, false},
		{StatusApproved, StatusFailed, false},
		{StatusFailed, StatusApproved, false},
		{StatusExpired, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.True(t, StatusApproved.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusExpired.IsTerminal())
}

func TestInventoryItemAvailable(t *testing.T) {
	item := InventoryItem{Stock: 10, Reserved: 3, Assigned: 2}
	assert.Equal(t, 5, item.Available())
}
