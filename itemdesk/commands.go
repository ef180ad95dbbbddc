package itemdesk

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// maxAttachmentSize caps how much of an uploaded document the bot will
// read.
const maxAttachmentSize = 8 << 20

const (
	noPreviousSelectionMessage = "No previous selection found. " +
		"Run the command without `repeat` first."
	emptyQueueMessage  = "The queue is empty."
	noProjectsMessage  = "No projects have documents yet."
	askDisabledMessage = "Question answering isn't configured."
)

// handleRequestItems starts the project/technology selection flow, or
// resubmits the invoker's previous selection when the repeat option is
// set.
func (b *ItemDesk) handleRequestItems(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger, _ := ContextLogger(ctx)
	options := discordInteractionOptions(i)

	if opt, ok := options[commandOptionRepeat]; ok && opt.BoolValue() {
		b.repeatLastSelection(ctx, i, flowKindItems)
		return
	}

	flow, err := newSelectionFlow(b, flowKindItems, i)
	if err != nil {
		logger.Error("error creating selection flow", tint.Err(err))
		b.respondEphemeral(i, DefaultDiscordErrorMessage)
		return
	}
	if err = flow.Start(ctx); err != nil {
		logger.Error("error starting selection flow", tint.Err(err))
		b.respondEphemeral(i, DefaultDiscordErrorMessage)
	}
}

// handleRequestReassignment starts the project/item-number selection
// flow, or resubmits the invoker's previous selection when the repeat
// option is set.
func (b *ItemDesk) handleRequestReassignment(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger, _ := ContextLogger(ctx)
	options := discordInteractionOptions(i)

	if opt, ok := options[commandOptionRepeat]; ok && opt.BoolValue() {
		b.repeatLastSelection(ctx, i, flowKindReassignment)
		return
	}

	flow, err := newSelectionFlow(b, flowKindReassignment, i)
	if err != nil {
		logger.Error("error creating selection flow", tint.Err(err))
		b.respondEphemeral(i, DefaultDiscordErrorMessage)
		return
	}
	if err = flow.Start(ctx); err != nil {
		logger.Error("error starting selection flow", tint.Err(err))
		b.respondEphemeral(i, DefaultDiscordErrorMessage)
	}
}

// repeatLastSelection resubmits the saved selection for the given flow
// kind, skipping the select menus entirely.
func (b *ItemDesk) repeatLastSelection(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	kind flowKind,
) {
	logger, _ := ContextLogger(ctx)

	selection, err := b.store.LastSelection(ctx, string(kind))
	if err != nil {
		logger.Error("error loading last selection", tint.Err(err))
		b.respondEphemeral(i, DefaultDiscordErrorMessage)
		return
	}
	if selection == nil {
		b.respondEphemeral(i, noPreviousSelectionMessage)
		return
	}

	user := getDiscordUser(i)
	if user == nil {
		b.respondEphemeral(i, DefaultDiscordErrorMessage)
		return
	}

	if err = b.discord.session.InteractionRespond(
		i.Interaction, b.discord.ackResponse(),
	); err != nil {
		logger.Error("error acknowledging interaction", tint.Err(err))
		return
	}

	flow := &selectionFlow{
		kind:         kind,
		userID:       user.ID,
		userName:     displayName(user),
		interaction:  i.Interaction,
		project:      selection.Project,
		technologies: selection.Technologies,
		itemNumber:   selection.ItemNumber,
		bot:          b,
		logger:       logger,
	}

	var report string
	switch kind {
	case flowKindItems:
		report, err = flow.submitItems(ctx)
	case flowKindReassignment:
		report, _, err = flow.submitReassignment(ctx)
	}
	if err != nil {
		logger.Error("error resubmitting selection", tint.Err(err))
		report = DefaultDiscordErrorMessage
	}
	b.editResponse(ctx, i, report)
}

// handleListRequests renders the full queue to the invoker as
// ephemeral messages, one per chunk.
func (b *ItemDesk) handleListRequests(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger, _ := ContextLogger(ctx)

	var projectFilter string
	if opt, ok := discordInteractionOptions(i)[commandOptionProject]; ok {
		projectFilter = opt.StringValue()
	}

	requests, err := b.store.Requests(ctx, Query{})
	if err != nil {
		logger.Error("error loading requests", tint.Err(err))
		b.respondEphemeral(i, DefaultDiscordErrorMessage)
		return
	}
	reassignments, err := b.store.Reassignments(ctx, Query{})
	if err != nil {
		logger.Error("error loading reassignment requests", tint.Err(err))
		b.respondEphemeral(i, DefaultDiscordErrorMessage)
		return
	}
	requests = filterRequests(requests, projectFilter)
	reassignments = filterReassignments(reassignments, projectFilter)

	view := renderQueue(requests, reassignments, b.config.Queue.ChunkSize)
	if view.Total == 0 {
		b.respondEphemeral(i, emptyQueueMessage)
		return
	}

	b.respondEphemeral(i, view.Chunks[0])
	for _, chunk := range view.Chunks[1:] {
		if _, err = b.discord.session.FollowupMessageCreate(
			i.Interaction, true, &discordgo.WebhookParams{
				Content: chunk,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		); err != nil {
			logger.Error("error sending queue follow-up", tint.Err(err))
			return
		}
	}
}

// handleSetupQueueMonitor configures the queue monitor for the chosen
// channel and runs the first publish.
func (b *ItemDesk) handleSetupQueueMonitor(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger, _ := ContextLogger(ctx)
	options := discordInteractionOptions(i)

	channelOption, ok := options[commandOptionChannel]
	if !ok {
		b.respondEphemeral(i, "A channel is required.")
		return
	}
	channelID := channelOption.ChannelValue(nil).ID

	var projectFilter string
	if opt, filterOK := options[commandOptionProject]; filterOK {
		projectFilter = opt.StringValue()
	}
	includeReassignments := true
	if opt, reassignOK := options[commandOptionReassignment]; reassignOK {
		includeReassignments = opt.BoolValue()
	}

	if err := b.discord.session.InteractionRespond(
		i.Interaction, b.discord.ackResponse(),
	); err != nil {
		logger.Error("error acknowledging interaction", tint.Err(err))
		return
	}

	_, err := b.queueMonitor.Setup(
		ctx, channelID, projectFilter, includeReassignments,
	)
	if err != nil {
		logger.Error("error setting up queue monitor", tint.Err(err))
		b.editResponse(ctx, i, DefaultDiscordErrorMessage)
		return
	}
	b.editResponse(
		ctx, i, fmt.Sprintf("Queue monitor is now publishing to <#%s>.", channelID),
	)
}

// handleAsk answers a question from the uploaded project documents.
func (b *ItemDesk) handleAsk(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger, _ := ContextLogger(ctx)

	if b.openai == nil {
		b.respondEphemeral(i, askDisabledMessage)
		return
	}

	options := discordInteractionOptions(i)
	questionOption, ok := options[commandOptionQuestion]
	if !ok {
		b.respondEphemeral(i, "A question is required.")
		return
	}
	question := questionOption.StringValue()

	if err := b.discord.session.InteractionRespond(
		i.Interaction, b.discord.ackResponse(),
	); err != nil {
		logger.Error("error acknowledging interaction", tint.Err(err))
		return
	}

	answer, err := b.answerQuestion(ctx, question)
	if err != nil {
		logger.Error("error answering question", tint.Err(err))
		answer = DefaultDiscordErrorMessage
	}
	b.editResponse(ctx, i, truncate(answer, discordMaxMessageLength))
}

// answerQuestion retrieves the most relevant document chunks and runs
// them through a chat completion.
func (b *ItemDesk) answerQuestion(
	ctx context.Context,
	question string,
) (string, error) {
	chunks, err := b.docStore.Search(
		ctx, question, b.config.OpenAI.RetrievalTopK,
	)
	if err != nil {
		return "", err
	}
	excerpts := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		excerpts = append(
			excerpts, fmt.Sprintf(
				"(%s, %s) %s", chunk.Project, chunk.DocType, chunk.Text,
			),
		)
	}
	return b.openai.Answer(ctx, question, excerpts)
}

// handleUpload stores an attached document for a project and rebuilds
// its retrieval index.
func (b *ItemDesk) handleUpload(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger, _ := ContextLogger(ctx)
	options := discordInteractionOptions(i)

	fileOption, ok := options[commandOptionFile]
	if !ok {
		b.respondEphemeral(i, "A file is required.")
		return
	}
	attachmentID, _ := fileOption.Value.(string)
	attachment := i.ApplicationCommandData().Resolved.Attachments[attachmentID]
	if attachment == nil {
		b.respondEphemeral(i, "A file is required.")
		return
	}

	projectOption, projectOK := options[commandOptionProject]
	docTypeOption, docTypeOK := options[commandOptionDocType]
	if !projectOK || !docTypeOK {
		b.respondEphemeral(i, "Both project and document type are required.")
		return
	}
	project := projectOption.StringValue()
	docType := DocType(docTypeOption.StringValue())

	if err := b.discord.session.InteractionRespond(
		i.Interaction, b.discord.ackResponse(),
	); err != nil {
		logger.Error("error acknowledging interaction", tint.Err(err))
		return
	}

	content, err := b.fetchAttachment(ctx, attachment.URL)
	if err != nil {
		logger.Error("error downloading attachment", tint.Err(err))
		b.editResponse(ctx, i, DefaultDiscordErrorMessage)
		return
	}
	if err = b.docStore.SaveDocument(ctx, project, docType, content); err != nil {
		logger.Error("error saving document", tint.Err(err))
		b.editResponse(ctx, i, DefaultDiscordErrorMessage)
		return
	}
	b.editResponse(
		ctx, i, fmt.Sprintf(
			"Saved **%s** for project **%s**.", docType, project,
		),
	)
}

// handleProjects lists projects with uploaded documents.
func (b *ItemDesk) handleProjects(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger, _ := ContextLogger(ctx)

	projects, err := b.docStore.Projects()
	if err != nil {
		logger.Error("error listing projects", tint.Err(err))
		b.respondEphemeral(i, DefaultDiscordErrorMessage)
		return
	}
	if len(projects) == 0 {
		b.respondEphemeral(i, noProjectsMessage)
		return
	}

	var sb strings.Builder
	sb.WriteString("**Projects with documents:**\n")
	for _, project := range projects {
		sb.WriteString(fmt.Sprintf("- %s\n", project))
	}
	b.respondEphemeral(i, truncate(sb.String(), discordMaxMessageLength))
}

// handleSend sends a message to a channel as the bot.
func (b *ItemDesk) handleSend(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger, _ := ContextLogger(ctx)
	options := discordInteractionOptions(i)

	channelOption, channelOK := options[commandOptionChannel]
	messageOption, messageOK := options[commandOptionMessage]
	if !channelOK || !messageOK {
		b.respondEphemeral(i, "Both channel and message are required.")
		return
	}
	channelID := channelOption.ChannelValue(nil).ID
	message := messageOption.StringValue()

	if err := b.discord.channelMessageSend(channelID, message); err != nil {
		logger.Error("error sending channel message", tint.Err(err))
		b.respondEphemeral(i, DefaultDiscordErrorMessage)
		return
	}
	b.respondEphemeral(i, fmt.Sprintf("Message sent to <#%s>.", channelID))
}

func (b *ItemDesk) respondEphemeral(
	i *discordgo.InteractionCreate,
	content string,
) {
	if err := b.discord.session.InteractionRespond(
		i.Interaction, ephemeralResponse(content),
	); err != nil {
		b.logger.Error("error responding to interaction", tint.Err(err))
	}
}

func (b *ItemDesk) editResponse(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
) {
	logger, _ := ContextLogger(ctx)
	if _, err := b.discord.session.InteractionResponseEdit(
		i.Interaction, &discordgo.WebhookEdit{Content: &content},
	); err != nil && logger != nil {
		logger.Error("error editing interaction response", tint.Err(err))
	}
}

// fetchAttachment downloads an uploaded attachment's content.
func (b *ItemDesk) fetchAttachment(
	ctx context.Context,
	url string,
) (string, error) {
	request, err := http.NewRequestWithContext(
		ctx, http.MethodGet, url, nil,
	)
	if err != nil {
		return "", err
	}

	client := b.config.Discord.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	response, err := client.Do(request)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf(
			"unexpected status downloading attachment: %s", response.Status,
		)
	}
	data, err := io.ReadAll(io.LimitReader(response.Body, maxAttachmentSize))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
