package itemdesk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// queueWebhookName is the name of the channel webhook the monitor
	// publishes through. Setup reuses an existing webhook with this
	// name rather than creating another.
	queueWebhookName = "Requests Queue"

	queueNoSelectionMessage = "Select a request from the menu first."
	queueMissingRecordMessage = "That request no longer exists. " +
		"The queue has been refreshed."

	approveDMFormat = "✅ Your request for project **%s** has been approved!"
	rejectDMFormat  = "❌ Your request for project **%s** was rejected by " +
		"**%s**. Please contact this person if you are doubtful about the " +
		"reason of rejection."
)

// QueueMonitor keeps a channel's webhook-published queue message in
// sync with the store, and applies moderator actions taken on the
// message's components. Publishes are serialized; each one deletes the
// previous webhook messages and sends a fresh set.
type QueueMonitor struct {
	bot    *ItemDesk
	logger *slog.Logger

	mu sync.Mutex
}

func newQueueMonitor(bot *ItemDesk) *QueueMonitor {
	return &QueueMonitor{
		bot:    bot,
		logger: bot.logger.With(loggerNameKey, "queue_monitor"),
	}
}

// Setup creates or updates the monitor's configuration to publish into
// the given channel, reusing the channel's queue webhook if one
// already exists. The previous queue messages, if any, are deleted on
// a best-effort basis even when the channel changed.
func (qm *QueueMonitor) Setup(
	ctx context.Context,
	channelID string,
	projectFilter string,
	includeReassignments bool,
) (*QueueMonitorConfig, error) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	session := qm.bot.discord.session

	webhook, err := qm.channelQueueWebhook(channelID)
	if err != nil {
		return nil, fmt.Errorf("error preparing queue webhook: %w", err)
	}

	previous, err := qm.bot.store.QueueMonitorConfig(ctx)
	if err != nil {
		return nil, err
	}

	cfg := &QueueMonitorConfig{
		ChannelID:            channelID,
		WebhookID:            webhook.ID,
		WebhookToken:         webhook.Token,
		ProjectFilter:        projectFilter,
		IncludeReassignments: includeReassignments,
	}
	if previous != nil {
		cfg.ModelUintID = previous.ModelUintID
		cfg.ModelUnixTime = previous.ModelUnixTime
		for _, messageID := range previous.MessageIDs {
			if deleteErr := session.WebhookMessageDelete(
				previous.WebhookID, previous.WebhookToken, messageID,
			); deleteErr != nil {
				qm.logger.Warn(
					"error deleting previous queue message",
					tint.Err(deleteErr),
					"message_id", messageID,
				)
			}
		}
		cfg.MessageIDs = nil
	}

	if err = qm.bot.store.SaveQueueMonitorConfig(ctx, cfg); err != nil {
		return nil, err
	}
	if err = qm.publish(ctx); err != nil {
		return cfg, err
	}
	// publish saves the fresh message IDs on its own copy of the config
	return qm.bot.store.QueueMonitorConfig(ctx)
}

func (qm *QueueMonitor) channelQueueWebhook(
	channelID string,
) (*discordgo.Webhook, error) {
	session := qm.bot.discord.session

	webhooks, err := session.ChannelWebhooks(channelID)
	if err != nil {
		return nil, err
	}
	for _, webhook := range webhooks {
		if webhook.Name == queueWebhookName && webhook.Token != "" {
			return webhook, nil
		}
	}
	return session.WebhookCreate(channelID, queueWebhookName, "")
}

// Publish re-renders the queue and replaces the published messages.
// It's a no-op when no monitor has been configured.
func (qm *QueueMonitor) Publish(ctx context.Context) error {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	return qm.publish(ctx)
}

// publish does the actual delete-and-resend. Callers must hold qm.mu.
func (qm *QueueMonitor) publish(ctx context.Context) error {
	cfg, err := qm.bot.store.QueueMonitorConfig(ctx)
	if err != nil {
		return err
	}
	if cfg == nil {
		return nil
	}

	view, err := qm.renderView(ctx, cfg)
	if err != nil {
		return err
	}

	session := qm.bot.discord.session

	for _, messageID := range cfg.MessageIDs {
		if deleteErr := session.WebhookMessageDelete(
			cfg.WebhookID, cfg.WebhookToken, messageID,
		); deleteErr != nil {
			qm.logger.Warn(
				"error deleting queue message",
				tint.Err(deleteErr),
				"message_id", messageID,
			)
		}
	}

	messageIDs := make(StringList, 0, len(view.Chunks))
	for chunkIndex, chunk := range view.Chunks {
		params := &discordgo.WebhookParams{Content: chunk}
		if chunkIndex == len(view.Chunks)-1 && len(view.Options) > 0 {
			params.Components = view.components("")
		}
		message, executeErr := session.WebhookExecute(
			cfg.WebhookID, cfg.WebhookToken, true, params,
		)
		if executeErr != nil {
			return fmt.Errorf("error publishing queue chunk: %w", executeErr)
		}
		if message != nil {
			messageIDs = append(messageIDs, message.ID)
		}
	}

	cfg.MessageIDs = messageIDs
	if err = qm.bot.store.SaveQueueMonitorConfig(ctx, cfg); err != nil {
		return fmt.Errorf("error saving queue message IDs: %w", err)
	}
	qm.logger.Info(
		"published queue",
		"total_requests", view.Total,
		"message_count", len(messageIDs),
	)
	return nil
}

// renderView loads the monitor's records, applies its project filter,
// and renders the queue.
func (qm *QueueMonitor) renderView(
	ctx context.Context,
	cfg *QueueMonitorConfig,
) (QueueView, error) {
	requests, err := qm.bot.store.Requests(ctx, Query{})
	if err != nil {
		return QueueView{}, err
	}
	requests = filterRequests(requests, cfg.ProjectFilter)

	var reassignments []ReassignmentRequest
	if cfg.IncludeReassignments {
		reassignments, err = qm.bot.store.Reassignments(ctx, Query{})
		if err != nil {
			return QueueView{}, err
		}
		reassignments = filterReassignments(reassignments, cfg.ProjectFilter)
	}

	return renderQueue(
		requests, reassignments, qm.bot.config.Queue.ChunkSize,
	), nil
}

// handleAction routes a component interaction on the published queue
// message. Select events re-render the message with the chosen option
// marked and the buttons enabled; button events mutate the selected
// record, notify the requester, and republish the queue. Errors are
// reported to the actor as an ephemeral message, with no rollback of
// any partial effect.
func (qm *QueueMonitor) handleAction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	customID string,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = qm.logger
	}
	session := qm.bot.discord.session

	switch customID {
	case queueSelectCustomID:
		values := i.MessageComponentData().Values
		if len(values) == 0 {
			qm.ackComponent(i)
			return
		}
		err := session.InteractionRespond(
			i.Interaction,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseUpdateMessage,
				Data: &discordgo.InteractionResponseData{
					Components: queueComponentsFromMessage(
						i.Message, values[0],
					),
				},
			},
		)
		if err != nil {
			logger.Error("error updating queue selection", tint.Err(err))
		}
	case queueCompleteCustomID, queueRejectCustomID, queueDeleteCustomID:
		value := selectedQueueValue(i.Message)
		if value == "" {
			qm.respondEphemeral(i, queueNoSelectionMessage)
			return
		}
		selection, err := parseQueueSelectValue(value)
		if err != nil {
			logger.Error("error parsing queue selection", tint.Err(err))
			qm.respondEphemeral(i, DefaultDiscordErrorMessage)
			return
		}

		summary, err := qm.applyAction(ctx, i, customID, selection)
		if err != nil {
			logger.Error(
				"error applying queue action",
				tint.Err(err),
				"action", customID,
				"selection_kind", selection.Kind,
				"selection_id", selection.ID,
			)
			qm.respondEphemeral(i, DefaultDiscordErrorMessage)
			return
		}
		qm.respondEphemeral(i, summary)

		if publishErr := qm.Publish(ctx); publishErr != nil {
			logger.Error(
				"error republishing queue after action",
				tint.Err(publishErr),
			)
		}
	default:
		logger.Warn("unknown queue component", "custom_id", customID)
		qm.ackComponent(i)
	}
}

// applyAction mutates the selected record and notifies the requester.
// The returned summary is shown (ephemerally) to the actor.
func (qm *QueueMonitor) applyAction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	action string,
	selection queueSelection,
) (string, error) {
	switch selection.Kind {
	case queueValueKindRegular:
		return qm.applyRequestAction(ctx, i, action, selection.ID)
	case queueValueKindReassignment:
		return qm.applyReassignmentAction(ctx, i, action, selection.ID)
	default:
		return "", fmt.Errorf("unknown selection kind: %q", selection.Kind)
	}
}

func (qm *QueueMonitor) applyRequestAction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	action string,
	recordID string,
) (string, error) {
	store := qm.bot.store

	request, err := store.FirstRequest(ctx, Query{fieldID: recordID})
	if err != nil {
		return "", err
	}
	if request == nil {
		return queueMissingRecordMessage, nil
	}
	qm.logger.Info(
		"applying queue action",
		append([]any{"action", action}, requestLogAttrs(*request)...)...,
	)

	label := fmt.Sprintf(
		"request by **%s** for **%s**",
		request.RequesterName,
		request.Project,
	)
	switch action {
	case queueCompleteCustomID:
		if _, err = store.UpdateRequests(
			ctx,
			Query{fieldID: recordID},
			map[string]any{fieldStatus: RequestStatusApproved},
		); err != nil {
			return "", err
		}
		qm.notifyRequester(
			request.RequesterID,
			fmt.Sprintf(approveDMFormat, request.Project),
		)
		return fmt.Sprintf("Completed %s.", label), nil
	case queueRejectCustomID:
		if _, err = store.UpdateRequests(
			ctx,
			Query{fieldID: recordID},
			map[string]any{fieldStatus: RequestStatusRejected},
		); err != nil {
			return "", err
		}
		qm.notifyRequester(
			request.RequesterID,
			fmt.Sprintf(
				rejectDMFormat,
				request.Project,
				actorDisplayName(i),
			),
		)
		return fmt.Sprintf("Rejected %s.", label), nil
	case queueDeleteCustomID:
		if _, err = store.DeleteRequests(
			ctx, Query{fieldID: recordID},
		); err != nil {
			return "", err
		}
		return fmt.Sprintf("Deleted %s.", label), nil
	default:
		return "", fmt.Errorf("unknown queue action: %q", action)
	}
}

func (qm *QueueMonitor) applyReassignmentAction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	action string,
	recordID string,
) (string, error) {
	store := qm.bot.store

	request, err := store.FirstReassignment(ctx, Query{fieldID: recordID})
	if err != nil {
		return "", err
	}
	if request == nil {
		return queueMissingRecordMessage, nil
	}
	qm.logger.Info(
		"applying queue action",
		append([]any{"action", action}, reassignmentLogAttrs(*request)...)...,
	)

	label := fmt.Sprintf(
		"reassignment request by **%s** for item **%s** in **%s**",
		request.RequesterName,
		request.ItemNumber,
		request.Project,
	)
	switch action {
	case queueCompleteCustomID:
		if _, err = store.UpdateReassignments(
			ctx,
			Query{fieldID: recordID},
			map[string]any{fieldStatus: RequestStatusApproved},
		); err != nil {
			return "", err
		}
		qm.notifyRequester(
			request.RequesterID,
			fmt.Sprintf(approveDMFormat, request.Project),
		)
		return fmt.Sprintf("Completed %s.", label), nil
	case queueRejectCustomID:
		if _, err = store.UpdateReassignments(
			ctx,
			Query{fieldID: recordID},
			map[string]any{fieldStatus: RequestStatusRejected},
		); err != nil {
			return "", err
		}
		qm.notifyRequester(
			request.RequesterID,
			fmt.Sprintf(
				rejectDMFormat,
				request.Project,
				actorDisplayName(i),
			),
		)
		return fmt.Sprintf("Rejected %s.", label), nil
	case queueDeleteCustomID:
		if _, err = store.DeleteReassignments(
			ctx, Query{fieldID: recordID},
		); err != nil {
			return "", err
		}
		return fmt.Sprintf("Deleted %s.", label), nil
	default:
		return "", fmt.Errorf("unknown queue action: %q", action)
	}
}

// notifyRequester DMs the requester about their request's outcome.
// Failures (closed DMs, departed users) are logged and otherwise
// ignored.
func (qm *QueueMonitor) notifyRequester(userID string, message string) {
	if err := qm.bot.discord.userDirectMessage(userID, message); err != nil {
		qm.logger.Warn(
			"error sending requester DM",
			tint.Err(err),
			"user_id", userID,
		)
	}
}

func (qm *QueueMonitor) respondEphemeral(
	i *discordgo.InteractionCreate,
	content string,
) {
	err := qm.bot.discord.session.InteractionRespond(
		i.Interaction, ephemeralResponse(content),
	)
	if err != nil {
		qm.logger.Error("error sending ephemeral response", tint.Err(err))
	}
}

func (qm *QueueMonitor) ackComponent(i *discordgo.InteractionCreate) {
	err := qm.bot.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredMessageUpdate,
		},
	)
	if err != nil {
		qm.logger.Warn("error acknowledging component", tint.Err(err))
	}
}

// actorDisplayName resolves the display name of the user who triggered
// an interaction.
func actorDisplayName(i *discordgo.InteractionCreate) string {
	user := getDiscordUser(i)
	if user == nil {
		return "a moderator"
	}
	return displayName(user)
}

// selectedQueueValue finds the default (selected) option on the queue
// message's select menu. An empty result means nothing is selected.
func selectedQueueValue(message *discordgo.Message) string {
	if message == nil {
		return ""
	}
	for _, row := range message.Components {
		actionsRow, ok := row.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, component := range actionsRow.Components {
			menu, menuOK := component.(*discordgo.SelectMenu)
			if !menuOK || menu.CustomID != queueSelectCustomID {
				continue
			}
			for _, option := range menu.Options {
				if option.Default {
					return option.Value
				}
			}
		}
	}
	return ""
}

// queueComponentsFromMessage rebuilds the queue message's components
// with the given option selected and the action buttons enabled,
// preserving the option set from the published message so a selection
// can't be remapped by a concurrent republish.
func queueComponentsFromMessage(
	message *discordgo.Message,
	selected string,
) []discordgo.MessageComponent {
	view := QueueView{}
	if message != nil {
		for _, row := range message.Components {
			actionsRow, ok := row.(*discordgo.ActionsRow)
			if !ok {
				continue
			}
			for _, component := range actionsRow.Components {
				menu, menuOK := component.(*discordgo.SelectMenu)
				if menuOK && menu.CustomID == queueSelectCustomID {
					view.Options = menu.Options
				}
			}
		}
	}
	return view.components(selected)
}
