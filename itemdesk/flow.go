package itemdesk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// FlowState tracks a selection flow's progress. Each inbound component
// event produces at most one transition; the final states tear the
// flow's controls down.
type FlowState string

const (
	FlowStateAwaitingProject      FlowState = "awaiting_project"
	FlowStateAwaitingTechnologies FlowState = "awaiting_technologies"
	FlowStateAwaitingItemNumber   FlowState = "awaiting_item_number"
	FlowStateAwaitingConfirmation FlowState = "awaiting_confirmation"
	FlowStateSubmitted            FlowState = "submitted"
	FlowStateCancelled            FlowState = "cancelled"
	FlowStateTimedOut             FlowState = "timed_out"
)

func (s FlowState) String() string {
	return string(s)
}

// IsFinal indicates whether the flow has finished (successfully or not).
func (s FlowState) IsFinal() bool {
	switch s {
	case FlowStateSubmitted, FlowStateCancelled, FlowStateTimedOut:
		return true
	default:
		return false
	}
}

type flowKind string

const (
	flowKindItems        flowKind = DiscordSlashCommandRequestItems
	flowKindReassignment flowKind = DiscordSlashCommandRequestReassignment
)

const (
	flowCancelledMessage = "Request cancelled."
	flowTimedOutMessage  = "Selection timed out. Run the command again to start over."
)

// flowEvent is a component or modal submit interaction routed to a
// selection flow.
type flowEvent struct {
	interaction *discordgo.InteractionCreate

	// baseID is the component custom ID with the flow discriminator
	// stripped (ex: "project-select")
	baseID string
}

// selectionFlow is a short-lived, per-invocation state machine
// gathering a user's project and technology (or item number) choices.
// Events arrive on the events channel, in arrival order; each step
// waits at most timeout before the flow gives up. Inputs from users
// other than the invoker are acknowledged and ignored.
type selectionFlow struct {
	id    string
	kind  flowKind
	state FlowState

	userID   string
	userName string

	// interaction is the originating slash command interaction, used
	// to edit the flow's ephemeral message after the collector stops
	interaction *discordgo.Interaction

	project      string
	technologies []string
	itemNumber   string

	events  chan flowEvent
	timeout time.Duration

	bot    *ItemDesk
	logger *slog.Logger
}

func newSelectionFlow(
	bot *ItemDesk,
	kind flowKind,
	i *discordgo.InteractionCreate,
) (*selectionFlow, error) {
	id, err := generateRandomHexString(8)
	if err != nil {
		return nil, err
	}
	user := getDiscordUser(i)
	if user == nil {
		return nil, fmt.Errorf("no user found in interaction")
	}
	timeout := bot.config.Queue.SelectTimeout
	if timeout <= 0 {
		timeout = DefaultSelectTimeout
	}
	return &selectionFlow{
		id:          id,
		kind:        kind,
		state:       FlowStateAwaitingProject,
		userID:      user.ID,
		userName:    displayName(user),
		interaction: i.Interaction,
		events:      make(chan flowEvent, 1),
		timeout:     timeout,
		bot:         bot,
		logger: bot.logger.With(
			loggerNameKey, "selection_flow",
			"flow_id", id,
			"flow_kind", string(kind),
			"user_id", user.ID,
		),
	}, nil
}

// customID attaches the flow discriminator to a component's base
// custom ID.
func (f *selectionFlow) customID(base string) string {
	return fmt.Sprintf(customIDFormat, base, f.id)
}

// splitCustomID separates a component custom ID into its base and flow
// discriminator. Queue monitor components have no discriminator.
func splitCustomID(customID string) (base string, flowID string) {
	base, flowID, _ = strings.Cut(customID, ":")
	return base, flowID
}

// Start responds to the originating command with the project select
// menu and runs the flow's collector until it reaches a final state.
func (f *selectionFlow) Start(ctx context.Context) error {
	projects, err := f.bot.projectOptions(ctx)
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		return f.bot.discord.session.InteractionRespond(
			f.interaction,
			ephemeralResponse("No projects are configured yet."),
		)
	}

	respondErr := f.bot.discord.session.InteractionRespond(
		f.interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content:    "Select a project:",
				Flags:      discordgo.MessageFlagsEphemeral,
				Components: f.projectComponents(projects),
			},
		},
	)
	if respondErr != nil {
		return respondErr
	}

	f.bot.registerFlow(f)
	go f.run(ctx)
	return nil
}

// run collects events until the flow reaches a final state. The
// timeout timer is stopped on each matching event and re-armed for the
// next step, so an abandoned flow never leaks its timer past the wait
// window.
func (f *selectionFlow) run(ctx context.Context) {
	defer f.bot.unregisterFlow(f)

	timer := time.NewTimer(f.timeout)
	defer timer.Stop()

	for !f.state.IsFinal() {
		select {
		case <-ctx.Done():
			f.state = FlowStateCancelled
			f.editFinalMessage(flowCancelledMessage)
			return
		case <-timer.C:
			f.state = FlowStateTimedOut
			f.logger.Info("flow timed out", "state_at_timeout", f.state)
			f.editFinalMessage(flowTimedOutMessage)
			return
		case ev := <-f.events:
			user := getDiscordUser(ev.interaction)
			if user == nil || user.ID != f.userID {
				// scoped to the invoking user: acknowledge so the
				// interaction doesn't visibly fail, but change nothing
				f.ackIgnored(ev)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			f.handleEvent(ctx, ev)
			if !f.state.IsFinal() {
				timer.Reset(f.timeout)
			}
		}
	}
}

func (f *selectionFlow) ackIgnored(ev flowEvent) {
	err := f.bot.discord.session.InteractionRespond(
		ev.interaction.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredMessageUpdate,
		},
	)
	if err != nil {
		f.logger.Warn("error acknowledging foreign-user event", tint.Err(err))
	}
}

// handleEvent advances the state machine by one transition and sends
// the response for the next step.
func (f *selectionFlow) handleEvent(ctx context.Context, ev flowEvent) {
	logger := f.logger.With("state", f.state, "component", ev.baseID)

	if ev.baseID == cancelRequestCustomID {
		f.state = FlowStateCancelled
		f.respond(ev, updateMessageResponse(flowCancelledMessage, nil))
		return
	}

	switch f.state {
	case FlowStateAwaitingProject:
		if ev.baseID != projectSelectCustomID {
			logger.Warn("unexpected component for state")
			f.ackIgnored(ev)
			return
		}
		values := ev.interaction.MessageComponentData().Values
		if len(values) == 0 {
			f.ackIgnored(ev)
			return
		}
		f.project = values[0]

		switch f.kind {
		case flowKindItems:
			f.state = FlowStateAwaitingTechnologies
			f.respond(
				ev, updateMessageResponse(
					fmt.Sprintf(
						"Project: **%s**\nSelect the technologies you need:",
						f.project,
					),
					f.technologyComponents(),
				),
			)
		case flowKindReassignment:
			f.state = FlowStateAwaitingItemNumber
			f.respond(
				ev, discordModalResponse(
					f.customID(itemNumberModalCustomID),
					"Item reassignment",
					itemNumberInputCustomID,
					"Item number",
					"Ex: 42",
					1,
					itemNumberMaxLength,
				),
			)
		}
	case FlowStateAwaitingItemNumber:
		if ev.baseID != itemNumberModalCustomID {
			logger.Warn("unexpected component for state")
			f.ackIgnored(ev)
			return
		}
		itemNumber := modalInputValue(ev.interaction, itemNumberInputCustomID)
		if itemNumber == "" {
			f.ackIgnored(ev)
			return
		}
		f.itemNumber = itemNumber
		f.state = FlowStateAwaitingConfirmation
		f.respond(
			ev, updateMessageResponse(
				fmt.Sprintf(
					"Request reassignment of item **%s** in project **%s**?",
					f.itemNumber,
					f.project,
				),
				f.confirmComponents(),
			),
		)
	case FlowStateAwaitingTechnologies:
		if ev.baseID != techSelectCustomID {
			logger.Warn("unexpected component for state")
			f.ackIgnored(ev)
			return
		}
		values := ev.interaction.MessageComponentData().Values
		if len(values) == 0 {
			f.ackIgnored(ev)
			return
		}
		f.technologies = values
		f.state = FlowStateSubmitted

		report, err := f.submitItems(ctx)
		if err != nil {
			logger.Error("error submitting request", tint.Err(err))
			report = DefaultDiscordErrorMessage
		}
		f.respond(ev, updateMessageResponse(report, nil))
	case FlowStateAwaitingConfirmation:
		if ev.baseID != confirmRequestCustomID {
			logger.Warn("unexpected component for state")
			f.ackIgnored(ev)
			return
		}
		report, submitted, err := f.submitReassignment(ctx)
		if err != nil {
			logger.Error("error submitting reassignment", tint.Err(err))
			report = DefaultDiscordErrorMessage
		}
		if submitted {
			f.state = FlowStateSubmitted
		} else {
			f.state = FlowStateCancelled
		}
		f.respond(ev, updateMessageResponse(report, nil))
	default:
		logger.Warn("event received in unexpected state")
		f.ackIgnored(ev)
	}
}

func (f *selectionFlow) respond(
	ev flowEvent,
	response *discordgo.InteractionResponse,
) {
	err := f.bot.discord.session.InteractionRespond(
		ev.interaction.Interaction,
		response,
	)
	if err != nil {
		f.logger.Error("error responding to flow event", tint.Err(err))
	}
}

// editFinalMessage replaces the flow's controls with a terminal
// message after a cancel or timeout.
func (f *selectionFlow) editFinalMessage(content string) {
	components := []discordgo.MessageComponent{}
	_, err := f.bot.discord.session.InteractionResponseEdit(
		f.interaction,
		&discordgo.WebhookEdit{
			Content:    &content,
			Components: &components,
		},
	)
	if err != nil {
		f.logger.Warn("error editing final flow message", tint.Err(err))
	}
}

// submitItems inserts or updates the invoker's Request for the
// selected project, reporting which technologies were newly added
// versus already present. The queue is republished on success.
func (f *selectionFlow) submitItems(ctx context.Context) (string, error) {
	store := f.bot.store

	existing, err := store.FirstRequest(
		ctx, Query{
			fieldProject:     f.project,
			fieldRequesterID: f.userID,
		},
	)
	if err != nil {
		return "", err
	}

	var report string
	if existing != nil {
		already, added := partitionTechnologies(
			existing.Technologies, f.technologies,
		)
		if len(added) > 0 {
			union := make(StringList, 0, len(existing.Technologies)+len(added))
			union = append(union, existing.Technologies...)
			union = append(union, added...)
			if _, updateErr := store.UpdateRequests(
				ctx,
				Query{fieldID: existing.ID},
				map[string]any{fieldTechnologies: union},
			); updateErr != nil {
				return "", updateErr
			}
		}
		report = fmt.Sprintf(
			"Request updated:\n- Already requested: %s\n- New technologies added: %s",
			technologyListOrNone(already),
			technologyListOrNone(added),
		)
	} else {
		request := NewRequest(f.project, f.technologies, f.userName, f.userID)
		if createErr := store.CreateRequest(ctx, request); createErr != nil {
			return "", createErr
		}
		f.logger.Info("request submitted", requestLogAttrs(*request)...)
		report = fmt.Sprintf(
			"Request submitted for project **%s** with technologies: %s",
			f.project,
			strings.Join(f.technologies, ", "),
		)
	}

	f.saveLastSelection(ctx)
	f.bot.publishQueue(ctx)
	return report, nil
}

// submitReassignment inserts the invoker's ReassignmentRequest, unless
// one already exists for the same project, item number, and requester.
// The bool result indicates whether a record was created.
func (f *selectionFlow) submitReassignment(ctx context.Context) (
	string,
	bool,
	error,
) {
	store := f.bot.store

	duplicate, err := store.FirstReassignment(
		ctx, Query{
			fieldProject:     f.project,
			fieldItemNumber:  f.itemNumber,
			fieldRequesterID: f.userID,
		},
	)
	if err != nil {
		return "", false, err
	}
	if duplicate != nil {
		return fmt.Sprintf(
			"You already have a reassignment request for item **%s** in project **%s**.",
			f.itemNumber,
			f.project,
		), false, nil
	}

	request := NewReassignmentRequest(
		f.project, f.itemNumber, f.userName, f.userID,
	)
	if createErr := store.CreateReassignment(ctx, request); createErr != nil {
		return "", false, createErr
	}
	f.logger.Info(
		"reassignment request submitted", reassignmentLogAttrs(*request)...,
	)

	f.saveLastSelection(ctx)
	f.bot.publishQueue(ctx)
	return fmt.Sprintf(
		"Reassignment request submitted for item **%s** in project **%s**.",
		f.itemNumber,
		f.project,
	), true, nil
}

func (f *selectionFlow) saveLastSelection(ctx context.Context) {
	sel := &LastSelection{
		CommandKey:   string(f.kind),
		Project:      f.project,
		Technologies: f.technologies,
		ItemNumber:   f.itemNumber,
	}
	if err := f.bot.store.SaveLastSelection(ctx, sel); err != nil {
		f.logger.Error("error saving last selection", tint.Err(err))
	}
}

func (f *selectionFlow) projectComponents(
	projects []string,
) []discordgo.MessageComponent {
	if len(projects) > discordSelectMaxOptions {
		projects = projects[:discordSelectMaxOptions]
	}
	options := make([]discordgo.SelectMenuOption, 0, len(projects))
	for _, p := range projects {
		options = append(
			options, discordgo.SelectMenuOption{
				Label: truncate(p, discordSelectOptionMaxLength),
				Value: p,
			},
		)
	}
	minValues := 1

	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.SelectMenu{
					CustomID:    f.customID(projectSelectCustomID),
					Placeholder: "Choose a project",
					MinValues:   &minValues,
					MaxValues:   1,
					Options:     options,
				},
			},
		},
		f.cancelRow(),
	}
}

func (f *selectionFlow) technologyComponents() []discordgo.MessageComponent {
	technologies := f.bot.config.Queue.Technologies
	if len(technologies) == 0 {
		technologies = DefaultTechnologies
	}
	if len(technologies) > discordSelectMaxOptions {
		technologies = technologies[:discordSelectMaxOptions]
	}
	options := make([]discordgo.SelectMenuOption, 0, len(technologies))
	for _, t := range technologies {
		options = append(
			options, discordgo.SelectMenuOption{
				Label: truncate(t, discordSelectOptionMaxLength),
				Value: t,
			},
		)
	}
	minValues := 1

	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.SelectMenu{
					CustomID:    f.customID(techSelectCustomID),
					Placeholder: "Choose technologies",
					MinValues:   &minValues,
					MaxValues:   len(options),
					Options:     options,
				},
			},
		},
		f.cancelRow(),
	}
}

func (f *selectionFlow) confirmComponents() []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Confirm",
					Style:    discordgo.SuccessButton,
					CustomID: f.customID(confirmRequestCustomID),
				},
				discordgo.Button{
					Label:    "Cancel",
					Style:    discordgo.SecondaryButton,
					CustomID: f.customID(cancelRequestCustomID),
				},
			},
		},
	}
}

func (f *selectionFlow) cancelRow() discordgo.MessageComponent {
	return discordgo.ActionsRow{
		Components: []discordgo.MessageComponent{
			discordgo.Button{
				Label:    "Cancel",
				Style:    discordgo.SecondaryButton,
				CustomID: f.customID(cancelRequestCustomID),
			},
		},
	}
}

// partitionTechnologies splits requested technologies into those
// already present in existing and those newly added, preserving the
// requested order and comparing case-insensitively.
func partitionTechnologies(
	existing StringList,
	requested []string,
) (already []string, added []string) {
	seen := map[string]bool{}
	for _, tech := range requested {
		key := strings.ToLower(tech)
		if seen[key] {
			continue
		}
		seen[key] = true
		if existing.Contains(tech) {
			already = append(already, tech)
		} else {
			added = append(added, tech)
		}
	}
	return already, added
}

func technologyListOrNone(technologies []string) string {
	if len(technologies) == 0 {
		return "None"
	}
	return strings.Join(technologies, ", ")
}

// modalInputValue extracts a text input's value from a modal submit
// interaction.
func modalInputValue(
	i *discordgo.InteractionCreate,
	inputCustomID string,
) string {
	data := i.ModalSubmitData()
	for _, row := range data.Components {
		actionsRow, ok := row.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, component := range actionsRow.Components {
			input, inputOK := component.(*discordgo.TextInput)
			if inputOK && input.CustomID == inputCustomID {
				return strings.TrimSpace(input.Value)
			}
		}
	}
	return ""
}

// updateMessageResponse replaces the content and components of the
// message the component interaction came from.
func updateMessageResponse(
	content string,
	components []discordgo.MessageComponent,
) *discordgo.InteractionResponse {
	if components == nil {
		components = []discordgo.MessageComponent{}
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Content:    content,
			Flags:      discordgo.MessageFlagsEphemeral,
			Components: components,
		},
	}
}

// ephemeralResponse is a plain ephemeral channel message response.
func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}
