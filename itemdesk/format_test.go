package itemdesk

import (
	"fmt"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRequest(
	id string,
	project string,
	requester string,
	technologies ...string,
) Request {
	return Request{
		ModelStringID: ModelStringID{ID: id},
		ModelUnixTime: ModelUnixTime{CreatedAt: 1700000000000},
		Project:       project,
		Technologies:  technologies,
		RequesterName: requester,
		RequesterID:   "u_" + requester,
		Status:        RequestStatusPending,
	}
}

func newTestReassignment(
	id string,
	project string,
	requester string,
	itemNumber string,
) ReassignmentRequest {
	return ReassignmentRequest{
		ModelStringID: ModelStringID{ID: id},
		ModelUnixTime: ModelUnixTime{CreatedAt: 1700000000000},
		Project:       project,
		ItemNumber:    itemNumber,
		RequesterName: requester,
		RequesterID:   "u_" + requester,
		Status:        RequestStatusPending,
	}
}

func TestRenderQueue_Empty(t *testing.T) {
	view := renderQueue(nil, nil, 0)

	assert.Equal(t, 0, view.Total)
	require.Len(t, view.Chunks, 1)
	assert.Equal(t, "**Requests Queue**\nTotal Requests: 0\n", view.Chunks[0])
	assert.Empty(t, view.Options)
}

func TestRenderQueue_GlobalIndex(t *testing.T) {
	requests := []Request{
		newTestRequest("r1", "apollo", "alice", "Go"),
		newTestRequest("r2", "zephyr", "bob", "React"),
		newTestRequest("r3", "apollo", "carol", "TypeScript"),
	}
	reassignments := []ReassignmentRequest{
		newTestReassignment("m1", "apollo", "dave", "42"),
	}

	view := renderQueue(requests, reassignments, 0)

	assert.Equal(t, 4, view.Total)
	require.Len(t, view.Chunks, 1)
	text := view.Chunks[0]

	assert.Contains(t, text, "Total Requests: 4")
	// apollo groups first (first seen), and index is dense across both
	// record types
	assert.Contains(t, text, "[1] alice - Go")
	assert.Contains(t, text, "[2] carol - TypeScript")
	assert.Contains(t, text, "[3] bob - React")
	assert.Contains(t, text, "[4] dave - Item 42")
	assert.Contains(t, text, "**apollo** (reassignments)")
	assert.Contains(t, text, "__pending__")
	assert.Contains(t, text, queueDivider)

	require.Len(t, view.Options, 4)
	assert.Equal(t, "regular_r1_alice_apollo", view.Options[0].Value)
	assert.Equal(t, "reassignment_m1_dave_apollo_42", view.Options[3].Value)
}

func TestRenderQueue_StatusGroups(t *testing.T) {
	approved := newTestRequest("r2", "apollo", "bob", "React")
	approved.Status = RequestStatusApproved

	view := renderQueue(
		[]Request{
			newTestRequest("r1", "apollo", "alice", "Go"),
			approved,
			newTestRequest("r3", "apollo", "carol", "Rust"),
		}, nil, 0,
	)

	text := view.Chunks[0]
	pendingIdx := strings.Index(text, "__pending__")
	approvedIdx := strings.Index(text, "__approved__")
	require.NotEqual(t, -1, pendingIdx)
	require.NotEqual(t, -1, approvedIdx)
	assert.Less(t, pendingIdx, approvedIdx)

	// both pending requests render under the pending header
	assert.Contains(t, text, "[1] alice - Go")
	assert.Contains(t, text, "[2] carol - Rust")
	assert.Contains(t, text, "[3] bob - React")
}

func TestRenderQueue_ChunkBound(t *testing.T) {
	var requests []Request
	for i := 0; i < 120; i++ {
		requests = append(
			requests, newTestRequest(
				fmt.Sprintf("r%d", i),
				fmt.Sprintf("project-%d", i%7),
				fmt.Sprintf("requester-number-%d", i),
				"Go", "TypeScript", "React",
			),
		)
	}

	view := renderQueue(requests, nil, DefaultQueueChunkSize)

	require.Greater(t, len(view.Chunks), 1)
	for _, chunk := range view.Chunks {
		assert.LessOrEqual(t, len(chunk), discordMaxMessageLength)
	}
	// options capped at discord's select menu limit
	assert.Len(t, view.Options, discordSelectMaxOptions)
}

func TestChunkBuilder_OversizeUnit(t *testing.T) {
	b := &chunkBuilder{limit: 10}
	b.add(strings.Repeat("x", 25))
	b.add("y")

	chunks := b.finish()
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("x", 25), chunks[0])
	assert.Equal(t, "y", chunks[1])
}

func TestParseQueueSelectValue(t *testing.T) {
	t.Run(
		"regular", func(t *testing.T) {
			sel, err := parseQueueSelectValue("regular_abc123_alice_apollo")
			require.NoError(t, err)
			assert.Equal(t, queueValueKindRegular, sel.Kind)
			assert.Equal(t, "abc123", sel.ID)
		},
	)

	t.Run(
		"reassignment", func(t *testing.T) {
			sel, err := parseQueueSelectValue(
				"reassignment_def456_bob_apollo_42",
			)
			require.NoError(t, err)
			assert.Equal(t, queueValueKindReassignment, sel.Kind)
			assert.Equal(t, "def456", sel.ID)
		},
	)

	t.Run(
		"username with underscores", func(t *testing.T) {
			r := newTestRequest("xyz789", "apollo", "cool_user_name", "Go")
			sel, err := parseQueueSelectValue(queueSelectValue(r))
			require.NoError(t, err)
			assert.Equal(t, "xyz789", sel.ID)
		},
	)

	t.Run(
		"malformed", func(t *testing.T) {
			_, err := parseQueueSelectValue("regular_only")
			assert.Error(t, err)

			_, err = parseQueueSelectValue("unknown_id_name_project")
			assert.Error(t, err)

			// reassignment values carry project and item number
			_, err = parseQueueSelectValue("reassignment_def456_bob")
			assert.Error(t, err)

			_, err = parseQueueSelectValue("reassignment_def456_bob_apollo")
			assert.Error(t, err)

			_, err = parseQueueSelectValue("")
			assert.Error(t, err)
		},
	)
}

func TestQueueViewComponents(t *testing.T) {
	view := renderQueue(
		[]Request{
			newTestRequest("r1", "apollo", "alice", "Go"),
			newTestRequest("r2", "apollo", "bob", "React"),
		}, nil, 0,
	)

	t.Run(
		"no selection disables buttons", func(t *testing.T) {
			components := view.components("")
			require.Len(t, components, 2)

			buttonsRow, ok := components[1].(discordgo.ActionsRow)
			require.True(t, ok)
			require.Len(t, buttonsRow.Components, 3)
			for _, c := range buttonsRow.Components {
				button, buttonOK := c.(discordgo.Button)
				require.True(t, buttonOK)
				assert.True(t, button.Disabled)
			}
		},
	)

	t.Run(
		"selection marks default and enables buttons", func(t *testing.T) {
			selected := view.Options[1].Value
			components := view.components(selected)

			selectRow, ok := components[0].(discordgo.ActionsRow)
			require.True(t, ok)
			menu, menuOK := selectRow.Components[0].(discordgo.SelectMenu)
			require.True(t, menuOK)
			assert.Equal(t, queueSelectCustomID, menu.CustomID)
			assert.False(t, menu.Options[0].Default)
			assert.True(t, menu.Options[1].Default)

			buttonsRow, buttonsOK := components[1].(discordgo.ActionsRow)
			require.True(t, buttonsOK)
			for _, c := range buttonsRow.Components {
				button := c.(discordgo.Button)
				assert.False(t, button.Disabled)
			}
		},
	)
}

func TestFilterRequests(t *testing.T) {
	requests := []Request{
		newTestRequest("r1", "Apollo", "alice", "Go"),
		newTestRequest("r2", "zephyr", "bob", "React"),
	}

	assert.Len(t, filterRequests(requests, ""), 2)
	assert.Len(t, filterRequests(requests, "apollo"), 1)
	assert.Len(t, filterRequests(requests, "POL"), 1)
	assert.Empty(t, filterRequests(requests, "nothing"))
}
