package itemdesk

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// customIDFormat joins a component's base custom ID with a
	// per-flow discriminator, so component events can be routed back
	// to the selection flow that created them
	customIDFormat = "%s:%s"

	// Custom IDs for selection flow components
	projectSelectCustomID   = "project-select"
	techSelectCustomID      = "tech-select"
	confirmRequestCustomID  = "confirm-request"
	cancelRequestCustomID   = "cancel-request"
	itemNumberModalCustomID = "item-number-modal"
	itemNumberInputCustomID = "item-number"

	// itemNumberMaxLength caps the item number modal input
	itemNumberMaxLength = 15

	// Option names for slash commands
	commandOptionRepeat       = "repeat"
	commandOptionProject      = "project"
	commandOptionChannel      = "channel"
	commandOptionQuestion     = "question"
	commandOptionFile         = "file"
	commandOptionDocType      = "type"
	commandOptionMessage      = "message"
	commandOptionReassignment = "include-reassignments"
)

// adminCommandPermission restricts a command to members who can manage
// the server.
var adminCommandPermission int64 = discordgo.PermissionManageServer

// Discord represents the Discord integration for the bot.
//
// It manages the Discord session, registers commands, and provides
// helpers for the bot's interactions with the Discord API.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	bot                         *ItemDesk
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession initializes a new Discord session for the Discord struct.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = true
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level())
	if err != nil {
		return session, err
	}

	return session, nil
}

func defaultCommandContexts() (
	*[]discordgo.InteractionContextType,
	*[]discordgo.ApplicationIntegrationType,
) {
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
	}
	integrationTypes := []discordgo.ApplicationIntegrationType{
		discordgo.ApplicationIntegrationGuildInstall,
	}
	return &contexts, &integrationTypes
}

// appCommandRequestItems creates the ApplicationCommand for the
// request-items selection flow.
func (*Discord) appCommandRequestItems() *discordgo.ApplicationCommand {
	contexts, integrationTypes := defaultCommandContexts()
	return &discordgo.ApplicationCommand{
		Name:             DiscordSlashCommandRequestItems,
		Description:      "Request item assignments for a project",
		Type:             discordgo.ChatApplicationCommand,
		Contexts:         contexts,
		IntegrationTypes: integrationTypes,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionBoolean,
				Name:        commandOptionRepeat,
				Description: "Repeat your last request",
			},
		},
	}
}

// appCommandRequestReassignment creates the ApplicationCommand for the
// request-reassignment selection flow.
func (*Discord) appCommandRequestReassignment() *discordgo.ApplicationCommand {
	contexts, integrationTypes := defaultCommandContexts()
	return &discordgo.ApplicationCommand{
		Name:             DiscordSlashCommandRequestReassignment,
		Description:      "Request reassignment of a specific item",
		Type:             discordgo.ChatApplicationCommand,
		Contexts:         contexts,
		IntegrationTypes: integrationTypes,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionBoolean,
				Name:        commandOptionRepeat,
				Description: "Repeat your last reassignment request",
			},
		},
	}
}

func (*Discord) appCommandListRequests() *discordgo.ApplicationCommand {
	contexts, integrationTypes := defaultCommandContexts()
	return &discordgo.ApplicationCommand{
		Name:             DiscordSlashCommandListRequests,
		Description:      "Show the current request queue",
		Type:             discordgo.ChatApplicationCommand,
		Contexts:         contexts,
		IntegrationTypes: integrationTypes,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        commandOptionProject,
				Description: "Only show requests for projects matching this",
			},
		},
	}
}

func (*Discord) appCommandSetupQueueMonitor() *discordgo.ApplicationCommand {
	contexts, integrationTypes := defaultCommandContexts()
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandSetupQueueMonitor,
		Description:              "Publish the auto-updating request queue to a channel",
		Type:                     discordgo.ChatApplicationCommand,
		Contexts:                 contexts,
		IntegrationTypes:         integrationTypes,
		DefaultMemberPermissions: &adminCommandPermission,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionChannel,
				Name:        commandOptionChannel,
				Description: "Channel to publish the queue in",
				Required:    true,
				ChannelTypes: []discordgo.ChannelType{
					discordgo.ChannelTypeGuildText,
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        commandOptionProject,
				Description: "Only include projects matching this",
			},
			{
				Type:        discordgo.ApplicationCommandOptionBoolean,
				Name:        commandOptionReassignment,
				Description: "Include reassignment requests (default: true)",
			},
		},
	}
}

func (*Discord) appCommandAsk() *discordgo.ApplicationCommand {
	contexts, integrationTypes := defaultCommandContexts()
	minLength := 1
	return &discordgo.ApplicationCommand{
		Name:             DiscordSlashCommandAsk,
		Description:      "Ask a question about a project's documentation",
		Type:             discordgo.ChatApplicationCommand,
		Contexts:         contexts,
		IntegrationTypes: integrationTypes,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        commandOptionQuestion,
				Description: "What would you like to know?",
				Required:    true,
				MinLength:   &minLength,
			},
		},
	}
}

func (*Discord) appCommandUpload() *discordgo.ApplicationCommand {
	contexts, integrationTypes := defaultCommandContexts()
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandUpload,
		Description:              "Upload a project document",
		Type:                     discordgo.ChatApplicationCommand,
		Contexts:                 contexts,
		IntegrationTypes:         integrationTypes,
		DefaultMemberPermissions: &adminCommandPermission,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionAttachment,
				Name:        commandOptionFile,
				Description: "Text file to upload",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        commandOptionProject,
				Description: "Project the document belongs to",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        commandOptionDocType,
				Description: "Kind of document",
				Required:    true,
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "Guidelines", Value: DocTypeGuidelines},
					{Name: "FAQ", Value: DocTypeFAQ},
					{Name: "Documentation", Value: DocTypeDocumentation},
				},
			},
		},
	}
}

func (*Discord) appCommandProjects() *discordgo.ApplicationCommand {
	contexts, integrationTypes := defaultCommandContexts()
	return &discordgo.ApplicationCommand{
		Name:             DiscordSlashCommandProjects,
		Description:      "List projects with uploaded documents",
		Type:             discordgo.ChatApplicationCommand,
		Contexts:         contexts,
		IntegrationTypes: integrationTypes,
	}
}

func (*Discord) appCommandSend() *discordgo.ApplicationCommand {
	contexts, integrationTypes := defaultCommandContexts()
	minLength := 1
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandSend,
		Description:              "Send a message to a channel as the bot",
		Type:                     discordgo.ChatApplicationCommand,
		Contexts:                 contexts,
		IntegrationTypes:         integrationTypes,
		DefaultMemberPermissions: &adminCommandPermission,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionChannel,
				Name:        commandOptionChannel,
				Description: "Channel to send the message to",
				Required:    true,
				ChannelTypes: []discordgo.ChannelType{
					discordgo.ChannelTypeGuildText,
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        commandOptionMessage,
				Description: "Message content",
				Required:    true,
				MinLength:   &minLength,
			},
		},
	}
}

// registerCommands sends the bot's commands to the discord bulk
// overwrite endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandRequestItems(),
		d.appCommandRequestReassignment(),
		d.appCommandListRequests(),
		d.appCommandSetupQueueMonitor(),
		d.appCommandAsk(),
		d.appCommandUpload(),
		d.appCommandProjects(),
		d.appCommandSend(),
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c)
	}

	return created, nil
}

// ackResponse returns a deferred, ephemeral interaction response.
func (*Discord) ackResponse() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags: discordgo.MessageFlagsEphemeral,
		},
	}
}

// channelMessageSend sends the given message to the given discord channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

// userDirectMessage opens (or reuses) the DM channel for the given
// user and sends them the message.
func (d *Discord) userDirectMessage(userID string, message string) error {
	channel, err := d.session.UserChannelCreate(userID)
	if err != nil {
		return fmt.Errorf("error creating DM channel: %w", err)
	}
	return d.channelMessageSend(channel.ID, message)
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, _ *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Error("unable to set custom status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

// DiscordSessionHandler defines the interface for handling Discord
// sessions. This basically defines methods from `discordgo.Session`
// which are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ApplicationCommandBulkOverwrite overwrites Discord application
	// commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction's response
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// InteractionResponseDelete deletes the given interaction's response
	InteractionResponseDelete(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) error

	// FollowupMessageCreate sends a followup message for an interaction
	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UserChannelCreate opens (or returns the existing) DM channel
	// with the given user
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ChannelWebhooks lists the webhooks for a channel
	ChannelWebhooks(
		channelID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Webhook, error)

	// WebhookCreate creates a webhook in the given channel
	WebhookCreate(
		channelID string,
		name string,
		avatar string,
		options ...discordgo.RequestOption,
	) (*discordgo.Webhook, error)

	// WebhookExecute sends a message via the given webhook
	WebhookExecute(
		webhookID string,
		token string,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// WebhookMessageEdit edits a message previously sent via the webhook
	WebhookMessageEdit(
		webhookID string,
		token string,
		messageID string,
		data *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// WebhookMessageDelete deletes a message previously sent via the webhook
	WebhookMessageDelete(
		webhookID string,
		token string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	// UpdateCustomStatus sets the bot's user status to the given string.
	UpdateCustomStatus(status string) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c)
	}

	return created, nil
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) InteractionResponseDelete(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionResponseDelete(interaction, options...)
}

func (d DiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.FollowupMessageCreate(interaction, wait, data, options...)
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d DiscordSession) ChannelWebhooks(
	channelID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Webhook, error) {
	return d.session.ChannelWebhooks(channelID, options...)
}

func (d DiscordSession) WebhookCreate(
	channelID string,
	name string,
	avatar string,
	options ...discordgo.RequestOption,
) (*discordgo.Webhook, error) {
	webhook, err := d.session.WebhookCreate(channelID, name, avatar, options...)
	if err != nil {
		d.logger.Error(
			"error creating webhook",
			tint.Err(err),
			"channel_id", channelID,
		)
	} else {
		d.logger.Info(
			"created webhook",
			"channel_id", channelID,
			"webhook_id", webhook.ID,
		)
	}
	return webhook, err
}

func (d DiscordSession) WebhookExecute(
	webhookID string,
	token string,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.WebhookExecute(webhookID, token, wait, data, options...)
}

func (d DiscordSession) WebhookMessageEdit(
	webhookID string,
	token string,
	messageID string,
	data *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.WebhookMessageEdit(
		webhookID, token, messageID, data, options...,
	)
}

func (d DiscordSession) WebhookMessageDelete(
	webhookID string,
	token string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.WebhookMessageDelete(webhookID, token, messageID, options...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

// messageMentionsUser checks if a given discord message mentions the
// given user ID (does not indicate if the message content itself contains
// the user, just if the message mentions the user via @).
func messageMentionsUser(m *discordgo.Message, userID string) bool {
	if m == nil {
		return false
	}
	for _, mention := range m.Mentions {
		if mention.ID == userID {
			return true
		}
	}
	return false
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// displayName returns the name the queue shows for a user: their
// global display name when set, otherwise their username.
func displayName(u *discordgo.User) string {
	if u == nil {
		return ""
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// discordModalResponse returns a discordgo.InteractionResponse containing
// a modal with a text input component created using the given parameters
func discordModalResponse(
	modalCustomID string,
	title string,
	inputCustomID string,
	label string,
	placeholder string,
	minLength int,
	maxLength int,
) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: modalCustomID,
			Title:    title,
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.TextInput{
							CustomID:    inputCustomID,
							Label:       label,
							Style:       discordgo.TextInputShort,
							Placeholder: placeholder,
							Required:    true,
							MinLength:   minLength,
							MaxLength:   maxLength,
						},
					},
				},
			},
		},
	}
}
