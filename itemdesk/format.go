package itemdesk

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

const (
	// Custom IDs for the queue monitor's components
	queueSelectCustomID   = "request-select"
	queueCompleteCustomID = "complete-request"
	queueRejectCustomID   = "reject-request"
	queueDeleteCustomID   = "delete-request"

	queueSelectPlaceholder = "Select a request to manage"

	queueValueKindRegular      = "regular"
	queueValueKindReassignment = "reassignment"

	// discordSelectMaxOptions is discord's cap on select menu options.
	// Requests past this many render in the text, but can't be selected.
	discordSelectMaxOptions = 25

	// discordSelectOptionMaxLength is discord's cap on option labels
	// and descriptions
	discordSelectOptionMaxLength = 100

	queueHeaderFormat = "**Requests Queue**\nTotal Requests: %d\n"
	queueDivider      = "━━━━━━━━━━━━━━━━━━━━"
)

// QueueView is the rendered queue: length-bounded text chunks, plus
// one select menu option per rendered request so an action handler can
// recover the exact record from the selection value.
type QueueView struct {
	Chunks  []string
	Options []discordgo.SelectMenuOption
	Total   int
}

// chunkBuilder accumulates text units into chunks, starting a new
// chunk whenever appending the next unit would push the current one
// over the limit. A single unit longer than the limit is not split.
type chunkBuilder struct {
	limit   int
	current strings.Builder
	chunks  []string
}

func (b *chunkBuilder) add(unit string) {
	if b.current.Len() > 0 && b.current.Len()+len(unit) > b.limit {
		b.chunks = append(b.chunks, b.current.String())
		b.current.Reset()
	}
	b.current.WriteString(unit)
}

func (b *chunkBuilder) finish() []string {
	if b.current.Len() > 0 {
		b.chunks = append(b.chunks, b.current.String())
		b.current.Reset()
	}
	return b.chunks
}

// groupKeys returns the distinct values produced by keyFn, in
// first-seen order.
func groupKeys[T any](records []T, keyFn func(T) string) []string {
	var keys []string
	seen := map[string]bool{}
	for _, r := range records {
		k := keyFn(r)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

// renderQueue renders requests and reassignment requests into a
// QueueView. Requests are grouped by project, then by status, both in
// first-seen order, and each rendered line gets a display index
// shared across both record types, starting at 1.
func renderQueue(
	requests []Request,
	reassignments []ReassignmentRequest,
	chunkSize int,
) QueueView {
	if chunkSize <= 0 {
		chunkSize = DefaultQueueChunkSize
	}
	view := QueueView{Total: len(requests) + len(reassignments)}

	builder := &chunkBuilder{limit: chunkSize}
	builder.add(fmt.Sprintf(queueHeaderFormat, view.Total))

	index := 0

	addOption := func(label string, details string, value string) {
		if len(view.Options) >= discordSelectMaxOptions {
			return
		}
		view.Options = append(
			view.Options, discordgo.SelectMenuOption{
				Label:       truncate(label, discordSelectOptionMaxLength),
				Value:       value,
				Description: truncate(details, discordSelectOptionMaxLength),
			},
		)
	}

	for _, project := range groupKeys(
		requests, func(r Request) string { return r.Project },
	) {
		builder.add(fmt.Sprintf("\n%s\n**%s**\n", queueDivider, project))
		projectRequests := requestsForProject(requests, project)
		for _, status := range groupKeys(
			projectRequests,
			func(r Request) string { return r.Status.String() },
		) {
			builder.add(fmt.Sprintf("__%s__\n", status))
			for _, r := range projectRequests {
				if r.Status.String() != status {
					continue
				}
				index++
				details := strings.Join(r.Technologies, ", ")
				builder.add(
					fmt.Sprintf(
						"[%d] %s - %s - %s\n",
						index,
						r.RequesterName,
						details,
						formatRequestTimestamp(r.CreatedAt),
					),
				)
				addOption(
					fmt.Sprintf("[%d] %s - %s", index, r.RequesterName, project),
					details,
					queueSelectValue(r),
				)
			}
		}
	}

	for _, project := range groupKeys(
		reassignments, func(r ReassignmentRequest) string { return r.Project },
	) {
		builder.add(
			fmt.Sprintf("\n%s\n**%s** (reassignments)\n", queueDivider, project),
		)
		projectRequests := reassignmentsForProject(reassignments, project)
		for _, status := range groupKeys(
			projectRequests,
			func(r ReassignmentRequest) string { return r.Status.String() },
		) {
			builder.add(fmt.Sprintf("__%s__\n", status))
			for _, r := range projectRequests {
				if r.Status.String() != status {
					continue
				}
				index++
				details := fmt.Sprintf("Item %s", r.ItemNumber)
				builder.add(
					fmt.Sprintf(
						"[%d] %s - %s - %s\n",
						index,
						r.RequesterName,
						details,
						formatRequestTimestamp(r.CreatedAt),
					),
				)
				addOption(
					fmt.Sprintf("[%d] %s - %s", index, r.RequesterName, project),
					details,
					reassignmentSelectValue(r),
				)
			}
		}
	}

	view.Chunks = builder.finish()
	return view
}

func requestsForProject(records []Request, project string) []Request {
	var rv []Request
	for _, r := range records {
		if r.Project == project {
			rv = append(rv, r)
		}
	}
	return rv
}

func reassignmentsForProject(
	records []ReassignmentRequest,
	project string,
) []ReassignmentRequest {
	var rv []ReassignmentRequest
	for _, r := range records {
		if r.Project == project {
			rv = append(rv, r)
		}
	}
	return rv
}

// filterRequests returns records whose project contains the filter,
// case-insensitively. An empty filter matches everything.
func filterRequests(records []Request, projectFilter string) []Request {
	if projectFilter == "" {
		return records
	}
	var rv []Request
	for _, r := range records {
		if containsFold(r.Project, projectFilter) {
			rv = append(rv, r)
		}
	}
	return rv
}

func filterReassignments(
	records []ReassignmentRequest,
	projectFilter string,
) []ReassignmentRequest {
	if projectFilter == "" {
		return records
	}
	var rv []ReassignmentRequest
	for _, r := range records {
		if containsFold(r.Project, projectFilter) {
			rv = append(rv, r)
		}
	}
	return rv
}

// queueSelectValue encodes a Request's identity into a select menu
// option value.
func queueSelectValue(r Request) string {
	return strings.Join(
		[]string{queueValueKindRegular, r.ID, r.RequesterName, r.Project},
		"_",
	)
}

// reassignmentSelectValue encodes a ReassignmentRequest's identity
// into a select menu option value.
func reassignmentSelectValue(r ReassignmentRequest) string {
	return strings.Join(
		[]string{
			queueValueKindReassignment,
			r.ID,
			r.RequesterName,
			r.Project,
			r.ItemNumber,
		},
		"_",
	)
}

// queueSelection is a decoded select menu option value.
type queueSelection struct {
	Kind string
	ID   string
}

// parseQueueSelectValue decodes an option value produced by
// queueSelectValue or reassignmentSelectValue. Only the kind and
// record ID are authoritative: the remaining segments exist for
// display, and usernames or project names may themselves contain the
// separator.
func parseQueueSelectValue(value string) (queueSelection, error) {
	parts := strings.SplitN(value, "_", 3)
	if len(parts) < 3 {
		return queueSelection{}, fmt.Errorf("malformed selection value: %q", value)
	}
	switch parts[0] {
	case queueValueKindRegular:
		// kind_id_username_project
	case queueValueKindReassignment:
		// kind_id_username_project_itemNumber
		if strings.Count(parts[2], "_") < 2 {
			return queueSelection{}, fmt.Errorf(
				"malformed reassignment selection value: %q", value,
			)
		}
	default:
		return queueSelection{}, fmt.Errorf(
			"unknown selection kind: %q", parts[0],
		)
	}
	if parts[1] == "" {
		return queueSelection{}, fmt.Errorf("empty record ID in: %q", value)
	}
	return queueSelection{Kind: parts[0], ID: parts[1]}, nil
}

// components builds the queue's action controls: a single-select menu
// carrying every rendered option, and the three action buttons. The
// buttons stay disabled until a selection is made; selected marks that
// option as the menu's default.
func (v QueueView) components(selected string) []discordgo.MessageComponent {
	options := make([]discordgo.SelectMenuOption, len(v.Options))
	copy(options, v.Options)
	for i := range options {
		options[i].Default = options[i].Value == selected
	}
	disabled := selected == ""
	minValues := 1

	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.SelectMenu{
					CustomID:    queueSelectCustomID,
					Placeholder: queueSelectPlaceholder,
					MinValues:   &minValues,
					MaxValues:   1,
					Options:     options,
				},
			},
		},
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Complete",
					Style:    discordgo.SuccessButton,
					CustomID: queueCompleteCustomID,
					Disabled: disabled,
				},
				discordgo.Button{
					Label:    "Reject",
					Style:    discordgo.DangerButton,
					CustomID: queueRejectCustomID,
					Disabled: disabled,
				},
				discordgo.Button{
					Label:    "Delete",
					Style:    discordgo.SecondaryButton,
					CustomID: queueDeleteCustomID,
					Disabled: disabled,
				},
			},
		},
	}
}
