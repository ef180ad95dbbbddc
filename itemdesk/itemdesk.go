// Package itemdesk implements a Discord bot for managing a team's
// item request workflow. Members submit project/technology requests
// and item reassignment requests through select-menu flows, moderators
// triage them from a webhook-published queue message, and uploaded
// project documents back a retrieval-augmented question command.
package itemdesk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

var defaultLogWriter io.Writer = os.Stdout

var (
	// When building, set these like:
	// -ldflags "-X github.com/aserec/itemdesk/itemdesk.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// ItemDesk is the main bot type, tying the store, discord session,
// queue monitor, document store, and API server together. Create one
// with [New] and start it with [ItemDesk.Run].
type ItemDesk struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	store        Store
	discord      *Discord
	queueMonitor *QueueMonitor
	docStore     *DocStore
	openai       *OpenAI
	api          *API

	// flows holds the in-flight selection flows, keyed by each flow's
	// component custom ID discriminator
	flows  map[string]*selectionFlow
	flowMu sync.RWMutex

	runMu     sync.Mutex
	startedAt time.Time

	// signalStop enables an explicit stop signal to be sent to the
	// bot, triggering a graceful shutdown
	signalStop chan struct{}

	// signalReady has a value sent on it when startup has finished and
	// the bot is accepting interactions
	signalReady chan struct{}
}

// New creates a new ItemDesk instance from the given config. The
// database connection and discord session are established later, by
// [ItemDesk.Run].
func New(config *Config) (*ItemDesk, error) {
	if config == nil {
		return nil, errors.New("nil config")
	}

	d := &ItemDesk{
		config:      config,
		signalReady: make(chan struct{}, 1),
		flows:       map[string]*selectionFlow{},
	}

	d.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	d.logger = slog.New(d.logHandler)
	slog.SetDefault(d.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc := newDiscord(config.Discord)
	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")
	disc.bot = d
	d.discord = disc

	if config.OpenAI.Token != "" {
		d.openai = newOpenAI(config.OpenAI, d.logger)
	}
	d.docStore = newDocStore(config.DataDir, d.openai, d.logger)
	d.queueMonitor = newQueueMonitor(d)

	api, err := newAPI(d, config.API)
	if err != nil {
		return nil, err
	}
	d.api = api

	return d, nil
}

// ValidateConfig validates the bot's configuration.
func (d *ItemDesk) ValidateConfig() error {
	return structValidator.Struct(d.config)
}

// Run starts the bot and blocks until the given context is canceled or
// [ItemDesk.Stop] is called, then shuts down gracefully.
func (d *ItemDesk) Run(ctx context.Context) error {
	// prevents concurrent runs
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.signalStop = make(chan struct{}, 1)
	d.startedAt = time.Now()
	logger := d.logger

	if err := d.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(
		ctx, slog.LevelInfo, "starting", slog.Any("config", d.config),
	)
	if d.signalReady == nil {
		d.signalReady = make(chan struct{}, 1)
	}

	// the 'runtime' context: canceling it triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-d.signalStop:
			d.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			d.logger.Warn("context canceled, sending stop signal")
			d.signalStop <- struct{}{}
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- d.initRun(startCtx, ctx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
	}

	go func() {
		httpErr := d.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			d.logger.ErrorContext(
				ctx, "error serving api HTTP", tint.Err(httpErr),
			)
		}
	}()

	d.signalReady <- struct{}{}
	d.logger.InfoContext(ctx, "sent ready signal")

	<-ctx.Done()
	return d.shutdown()
}

// Stop signals a running bot to shut down.
func (d *ItemDesk) Stop() {
	if d.signalStop != nil {
		d.signalStop <- struct{}{}
	}
}

// RegisterCommands overwrites the bot's application commands via the
// Discord REST API, without opening a gateway connection or starting
// the API server.
func (d *ItemDesk) RegisterCommands(ctx context.Context) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if err := d.ValidateConfig(); err != nil {
		return nil, err
	}
	if d.discord.session == nil {
		session, err := d.discord.newSession()
		if err != nil {
			return nil, err
		}
		d.discord.session = session
	}
	return d.discord.registerCommands(discordgo.WithContext(ctx))
}

// initRun connects the database and discord session. startCtx bounds
// the initialization itself; runtimeCtx outlives it and is what the
// interaction handlers run under.
func (d *ItemDesk) initRun(
	startCtx context.Context,
	runtimeCtx context.Context,
) error {
	if d.store == nil {
		switch d.config.DatabaseType {
		case dbTypeMemory:
			d.store = newMemoryStore()
		default:
			db, err := CreateDB(
				startCtx,
				d.config.DatabaseType,
				d.config.Database,
				d.config.DatabaseSlowThreshold,
				d.config.DatabaseLogLevel,
			)
			if err != nil {
				return fmt.Errorf("error creating database: %w", err)
			}
			d.store = NewStore(
				db,
				d.logger,
				d.config.DatabaseType == dbTypePostgres,
			)
		}
	}

	if d.discord.session == nil {
		session, err := d.discord.newSession()
		if err != nil {
			return err
		}
		d.discord.session = session
	}

	d.registerDiscordHandlers(runtimeCtx)

	if err := d.discord.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	if _, err := d.discord.registerCommands(); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	return nil
}

func (d *ItemDesk) registerDiscordHandlers(ctx context.Context) {
	session := d.discord.session
	d.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(d.discord.handlerReady()),
		session.AddHandler(d.discord.handlerConnect()),
		session.AddHandler(d.discord.handlerDisconnect()),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				go d.handleInteraction(ctx, i)
			},
		),
		session.AddHandler(
			func(s *discordgo.Session, m *discordgo.MessageCreate) {
				go d.handleMessage(ctx, s, m)
			},
		),
	}
}

func (d *ItemDesk) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(), d.config.ShutdownTimeout,
	)
	defer cancel()

	for _, removeHandler := range d.discord.discordgoRemoveHandlerFuncs {
		removeHandler()
	}

	var errs []error
	if d.discord.session != nil {
		if err := d.discord.session.Close(); err != nil {
			errs = append(
				errs, fmt.Errorf("error closing discord session: %w", err),
			)
		}
	}
	if err := d.api.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("error shutting down api: %w", err))
	}
	d.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// handleInteraction dispatches an incoming interaction: slash commands
// to their handlers, flow-scoped components and modals to their
// selection flow, and bare components to the queue monitor. Every
// interaction is recorded in the interaction log.
func (d *ItemDesk) handleInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	discordUser := getDiscordUser(i)
	logger := d.logger.With(
		slog.Group("interaction", interactionLogAttrs(*i)...),
	)
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(
		ctx,
		"received new interaction",
		"user", structToSlogValue(discordUser),
	)

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		record := newInteractionLog(i, discordUser)
		if logErr := d.store.LogInteraction(ctx, record); logErr != nil {
			logger.ErrorContext(
				ctx, "error logging interaction", tint.Err(logErr),
			)
		}
	}()

	if discordUser != nil && discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = d.discord.session.InteractionRespond(
			i.Interaction, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
	case discordgo.InteractionApplicationCommand:
		d.handleApplicationCommand(ctx, i)
	case discordgo.InteractionMessageComponent:
		base, flowID := splitCustomID(i.MessageComponentData().CustomID)
		if flowID != "" {
			d.routeFlowEvent(ctx, i, base, flowID)
			return
		}
		d.queueMonitor.handleAction(ctx, i, base)
	case discordgo.InteractionModalSubmit:
		base, flowID := splitCustomID(i.ModalSubmitData().CustomID)
		if flowID == "" {
			logger.WarnContext(ctx, "modal submit without flow", "custom_id", base)
			return
		}
		d.routeFlowEvent(ctx, i, base, flowID)
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
	}
}

func (d *ItemDesk) handleApplicationCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger, _ := ContextLogger(ctx)
	commandName := i.ApplicationCommandData().Name

	switch commandName {
	case DiscordSlashCommandRequestItems:
		d.handleRequestItems(ctx, i)
	case DiscordSlashCommandRequestReassignment:
		d.handleRequestReassignment(ctx, i)
	case DiscordSlashCommandListRequests:
		d.handleListRequests(ctx, i)
	case DiscordSlashCommandSetupQueueMonitor:
		d.handleSetupQueueMonitor(ctx, i)
	case DiscordSlashCommandAsk:
		d.handleAsk(ctx, i)
	case DiscordSlashCommandUpload:
		d.handleUpload(ctx, i)
	case DiscordSlashCommandProjects:
		d.handleProjects(ctx, i)
	case DiscordSlashCommandSend:
		d.handleSend(ctx, i)
	default:
		logger.WarnContext(ctx, "unknown command", "command", commandName)
	}
}

// handleMessage answers guild messages that mention the bot, using the
// same retrieval pipeline as the ask command.
func (d *ItemDesk) handleMessage(
	ctx context.Context,
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	if m.Author == nil || m.Author.Bot || d.openai == nil {
		return
	}
	if s.State == nil || s.State.User == nil {
		return
	}
	botID := s.State.User.ID
	if !messageMentionsUser(m.Message, botID) {
		return
	}

	question := strings.TrimSpace(
		strings.NewReplacer(
			fmt.Sprintf("<@%s>", botID), "",
			fmt.Sprintf("<@!%s>", botID), "",
		).Replace(m.Content),
	)
	if question == "" {
		return
	}

	logger := d.logger.With(
		"channel_id", m.ChannelID,
		"message_id", m.ID,
		"user_id", m.Author.ID,
	)
	ctx = WithLogger(ctx, logger)

	answer, err := d.answerQuestion(ctx, question)
	if err != nil {
		logger.ErrorContext(ctx, "error answering mention", tint.Err(err))
		answer = DefaultDiscordErrorMessage
	}
	if err = d.discord.channelMessageSend(
		m.ChannelID, truncate(answer, discordMaxMessageLength),
	); err != nil {
		logger.ErrorContext(ctx, "error replying to mention", tint.Err(err))
	}
}

func (d *ItemDesk) registerFlow(f *selectionFlow) {
	d.flowMu.Lock()
	defer d.flowMu.Unlock()
	d.flows[f.id] = f
}

func (d *ItemDesk) unregisterFlow(f *selectionFlow) {
	d.flowMu.Lock()
	defer d.flowMu.Unlock()
	delete(d.flows, f.id)
}

// routeFlowEvent delivers a component or modal submit event to its
// selection flow. Events for finished or unknown flows get an
// ephemeral expiry notice.
func (d *ItemDesk) routeFlowEvent(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	baseID string,
	flowID string,
) {
	logger, _ := ContextLogger(ctx)

	d.flowMu.RLock()
	flow := d.flows[flowID]
	d.flowMu.RUnlock()

	if flow == nil {
		d.respondEphemeral(
			i, "This menu has expired. Run the command again to start over.",
		)
		return
	}

	select {
	case flow.events <- flowEvent{interaction: i, baseID: baseID}:
	default:
		// the flow is busy with a previous event; drop this one so the
		// gateway handler doesn't block
		logger.WarnContext(
			ctx,
			"dropped flow event",
			"flow_id", flowID,
			"component", baseID,
		)
		_ = d.discord.session.InteractionRespond(
			i.Interaction, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseDeferredMessageUpdate,
			},
		)
	}
}

// projectOptions merges the configured projects with those discovered
// from uploaded documents and existing requests, case-insensitively
// deduplicated in first-seen order.
func (d *ItemDesk) projectOptions(ctx context.Context) ([]string, error) {
	var projects []string
	seen := map[string]bool{}
	add := func(name string) {
		key := strings.ToLower(name)
		if name == "" || seen[key] {
			return
		}
		seen[key] = true
		projects = append(projects, name)
	}

	for _, project := range d.config.Queue.Projects {
		add(project)
	}

	docProjects, err := d.docStore.Projects()
	if err != nil {
		return nil, err
	}
	for _, project := range docProjects {
		add(project)
	}

	requests, err := d.store.Requests(ctx, Query{})
	if err != nil {
		return nil, err
	}
	for _, request := range requests {
		add(request.Project)
	}

	reassignments, err := d.store.Reassignments(ctx, Query{})
	if err != nil {
		return nil, err
	}
	for _, request := range reassignments {
		add(request.Project)
	}
	return projects, nil
}

// publishQueue republishes the queue monitor message, logging any
// error. Used after store mutations where the caller has its own
// response to deliver regardless.
func (d *ItemDesk) publishQueue(ctx context.Context) {
	if err := d.queueMonitor.Publish(ctx); err != nil {
		d.logger.ErrorContext(ctx, "error publishing queue", tint.Err(err))
	}
}
