package itemdesk

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/require"
)

type stubChannelMessage struct {
	ChannelID string
	Content   string
}

// mockDiscordSession is a DiscordSessionHandler that records outbound
// calls instead of talking to discord.
type mockDiscordSession struct {
	mu sync.Mutex

	responses       []*discordgo.InteractionResponse
	edits           []*discordgo.WebhookEdit
	followups       []*discordgo.WebhookParams
	channelMessages []stubChannelMessage
	webhookExecutes []*discordgo.WebhookParams
	webhookDeletes  []string
	webhooks        []*discordgo.Webhook

	interactionRespondErr error

	nextMessageID int
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{}
}

func (m *mockDiscordSession) Open() error  { return nil }
func (m *mockDiscordSession) Close() error { return nil }

func (m *mockDiscordSession) AddHandler(_ any) func() {
	return func() {}
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelMessages = append(
		m.channelMessages,
		stubChannelMessage{ChannelID: channelID, Content: message},
	)
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	return m.interactionRespondErr
}

func (m *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, newresp)
	return &discordgo.Message{}, nil
}

func (m *mockDiscordSession) InteractionResponseDelete(
	_ *discordgo.Interaction,
	_ ...discordgo.RequestOption,
) error {
	return nil
}

func (m *mockDiscordSession) FollowupMessageCreate(
	_ *discordgo.Interaction,
	_ bool,
	data *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.followups = append(m.followups, data)
	return &discordgo.Message{}, nil
}

func (m *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return &discordgo.Channel{ID: "dm_" + recipientID}, nil
}

func (m *mockDiscordSession) ChannelWebhooks(
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.webhooks, nil
}

func (m *mockDiscordSession) WebhookCreate(
	channelID string,
	name string,
	_ string,
	_ ...discordgo.RequestOption,
) (*discordgo.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	webhook := &discordgo.Webhook{
		ID:        fmt.Sprintf("wh_%d", len(m.webhooks)+1),
		Token:     "wh-token",
		ChannelID: channelID,
		Name:      name,
	}
	m.webhooks = append(m.webhooks, webhook)
	return webhook, nil
}

func (m *mockDiscordSession) WebhookExecute(
	_ string,
	_ string,
	_ bool,
	data *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhookExecutes = append(m.webhookExecutes, data)
	m.nextMessageID++
	return &discordgo.Message{ID: fmt.Sprintf("msg_%d", m.nextMessageID)}, nil
}

func (m *mockDiscordSession) WebhookMessageEdit(
	_ string,
	_ string,
	_ string,
	_ *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (m *mockDiscordSession) WebhookMessageDelete(
	_ string,
	_ string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhookDeletes = append(m.webhookDeletes, messageID)
	return nil
}

func (m *mockDiscordSession) UpdateCustomStatus(_ string) error { return nil }

func (m *mockDiscordSession) SetHTTPClient(_ *http.Client) {}

func (m *mockDiscordSession) SetLogLevel(_ slog.Level) error { return nil }

func (m *mockDiscordSession) sentResponses() []*discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*discordgo.InteractionResponse{}, m.responses...)
}

func (m *mockDiscordSession) sentChannelMessages() []stubChannelMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]stubChannelMessage{}, m.channelMessages...)
}

func (m *mockDiscordSession) sentWebhookExecutes() []*discordgo.WebhookParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*discordgo.WebhookParams{}, m.webhookExecutes...)
}

// testBot builds an ItemDesk wired to a memory store and a mock
// discord session.
func testBot(t testing.TB) (*ItemDesk, *mockDiscordSession) {
	t.Helper()

	config := DefaultConfig()
	config.DatabaseType = dbTypeMemory
	config.DataDir = t.TempDir()
	config.Discord.Token = "test-token"
	config.Discord.ApplicationID = "test-app"

	session := newMockDiscordSession()
	disc := newDiscord(config.Discord)
	disc.logger = slog.Default()
	disc.session = session

	bot := &ItemDesk{
		config:      config,
		logger:      slog.Default(),
		store:       newMemoryStore(),
		discord:     disc,
		flows:       map[string]*selectionFlow{},
		signalReady: make(chan struct{}, 1),
	}
	disc.bot = bot
	bot.docStore = newDocStore(config.DataDir, nil, slog.Default())
	bot.queueMonitor = newQueueMonitor(bot)

	api, err := newAPI(bot, config.API)
	require.NoError(t, err)
	bot.api = api

	return bot, session
}

// commandInteraction builds an application command interaction from
// the given user.
func commandInteraction(
	name string,
	user *discordgo.User,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:   "i_" + name,
			Type: discordgo.InteractionApplicationCommand,
			User: user,
			Data: discordgo.ApplicationCommandInteractionData{
				Name:        name,
				CommandType: discordgo.ChatApplicationCommand,
				Options:     options,
			},
		},
	}
}

// componentInteraction builds a message component interaction from the
// given user.
func componentInteraction(
	customID string,
	user *discordgo.User,
	values ...string,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:   "i_" + customID,
			Type: discordgo.InteractionMessageComponent,
			User: user,
			Data: discordgo.MessageComponentInteractionData{
				CustomID: customID,
				Values:   values,
			},
		},
	}
}

func testUser(id string) *discordgo.User {
	return &discordgo.User{
		ID:         id,
		Username:   "user_" + id,
		GlobalName: "User " + id,
	}
}
