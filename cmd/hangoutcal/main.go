package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"

	"github.com/beekhof/hangout-calendar/internal/aggregator"
	"github.com/beekhof/hangout-calendar/internal/auth"
	"github.com/beekhof/hangout-calendar/internal/calendar"
	"github.com/beekhof/hangout-calendar/internal/calendar/apple"
	"github.com/beekhof/hangout-calendar/internal/calendar/google"
	"github.com/beekhof/hangout-calendar/internal/config"
	"github.com/beekhof/hangout-calendar/internal/monitor"
	"github.com/beekhof/hangout-calendar/internal/store"
)

func printHelp() {
	fmt.Fprintf(os.Stderr, `Hangout Calendar

Reads and schedules hangout events across a local calendar (Apple Calendar /
iCloud over CalDAV) and a cloud calendar (Google Calendar), presenting the
events of both as one merged day view.

USAGE:
    %s [OPTIONS] COMMAND [ARGS]

COMMANDS:
    events [--date YYYY-MM-DD]    List the merged events of a day (default: today)
    calendars                     List the calendars of every connected provider
    status                        Show which providers are connected
    connect local|cloud           Authorize a provider (cloud opens a consent URL)
    signout [cloud|local]         Sign out of a provider (default: cloud)
    provider [local|cloud]        Show or change the default provider for new events
    create --title T --start S    Create an event. Options:
           [--duration D]             Go duration, e.g. 90m (default: 1h)
           [--all-day]                Create an all-day event on the start date
           [--location L]
           [--attendee EMAIL ...]     May be repeated
           [--provider local|cloud]   Overrides the default provider
    watch                         Print today's events and refresh them on change

OPTIONS:
    -h, --help                    Show this help message and exit
    -v, --verbose                 Enable verbose output (show DEBUG logs)
    --config FILE                 Path to JSON config file
    --env-file FILE               Path to a .env file (default: .env, ignored if missing)
    --google-credentials-path PATH Path to Google OAuth credentials JSON file
                                  (overrides config file and GOOGLE_CREDENTIALS_PATH env var)
    --cloud-token-path PATH       Path to store the cloud account OAuth token
                                  (overrides config file and CLOUD_TOKEN_PATH env var)
    --state-path PATH             SQLite file holding preferences
                                  (overrides config file and STATE_PATH env var)
    --timezone ZONE               Reference timezone for days, e.g. Europe/Berlin
                                  (overrides config file and HANGOUT_TIMEZONE env var)

CONFIGURATION PRECEDENCE (highest to lowest):
    1. Command-line flags
    2. Environment variables (also read from --env-file)
    3. Config file (--config)
    4. Defaults

CONFIG FILE:
    {
      "google_credentials_path": "/path/to/credentials.json",
      "cloud_token_path": "/path/to/cloud_token.json",
      "cloud_calendar_id": "primary",
      "state_path": "/path/to/hangout.db",
      "timezone": "America/New_York",
      "cache_ttl_seconds": 300,
      "default_duration_seconds": 3600,
      "poll_interval_seconds": 30,
      "local": {
        "server_url": "https://caldav.icloud.com",
        "username": "your-email@icloud.com",
        "password": "app-specific-password"
      }
    }

    At least one provider must be configured. For Apple Calendar, you need an
    app-specific password from iCloud.
    Generate one at: https://appleid.apple.com/account/manage

ENVIRONMENT VARIABLES:
    GOOGLE_CREDENTIALS_PATH, CLOUD_TOKEN_PATH, CLOUD_CALENDAR_ID, STATE_PATH,
    HANGOUT_TIMEZONE, LOCAL_SERVER_URL, LOCAL_USERNAME, LOCAL_PASSWORD,
    LOCAL_CALENDAR_PATH, CACHE_TTL_SECONDS, DEFAULT_DURATION_SECONDS,
    POLL_INTERVAL_SECONDS

EXAMPLES:
    # Connect Google Calendar and make it the default for new events
    %s --config config.json connect cloud

    # Show tomorrow's events
    %s --config config.json events --date 2024-03-05

    # Schedule a hangout
    %s --config config.json create --title "Coffee" --start "2024-03-05 15:00" --attendee friend@example.com

`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// app holds the wired services.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	storage *store.Storage
	monitor *monitor.Monitor
	agg     *aggregator.Aggregator
}

func main() {
	helpFlag := flag.Bool("help", false, "Show help message")
	helpFlagShort := flag.Bool("h", false, "Show help message (shorthand)")
	verboseFlag := flag.Bool("verbose", false, "Enable verbose output (show DEBUG logs)")
	verboseFlagShort := flag.Bool("v", false, "Enable verbose output (shorthand)")
	configFile := flag.String("config", "", "Path to JSON config file")
	envFile := flag.String("env-file", ".env", "Path to a .env file")
	googleCredentialsPath := flag.String("google-credentials-path", "", "Path to Google OAuth credentials JSON file (overrides config file and GOOGLE_CREDENTIALS_PATH env var)")
	cloudTokenPath := flag.String("cloud-token-path", "", "Path to store the cloud account OAuth token (overrides config file and CLOUD_TOKEN_PATH env var)")
	statePath := flag.String("state-path", "", "SQLite file holding preferences (overrides config file and STATE_PATH env var)")
	timezone := flag.String("timezone", "", "Reference timezone (overrides config file and HANGOUT_TIMEZONE env var)")
	flag.Parse()

	if *helpFlag || *helpFlagShort || flag.NArg() == 0 {
		printHelp()
		os.Exit(0)
	}

	level := zerolog.InfoLevel
	if *verboseFlag || *verboseFlagShort {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}).
		Level(level).With().Timestamp().Logger()

	if err := config.LoadEnvFile(*envFile); err != nil {
		log.Fatal().Err(err).Msg("Failed to load env file")
	}
	cfg, err := config.LoadConfig(*configFile, config.Overrides{
		GoogleCredentialsPath: *googleCredentialsPath,
		CloudTokenPath:        *cloudTokenPath,
		StatePath:             *statePath,
		Timezone:              *timezone,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start")
	}

	err = a.run(ctx, flag.Arg(0), flag.Args()[1:])
	a.storage.Close()
	if err != nil {
		stop()
		log.Fatal().Err(err).Str("command", flag.Arg(0)).Msg("Command failed")
	}
}

func newApp(cfg *config.Config, log zerolog.Logger) (*app, error) {
	storage, err := store.Open(cfg.StatePath)
	if err != nil {
		return nil, err
	}

	var providers []calendar.Provider
	if cfg.Local.Enabled() {
		opts := []apple.Option{apple.WithLocation(cfg.Location()), apple.WithLogger(log)}
		if cfg.Local.CalendarPath != "" {
			opts = append(opts, apple.WithCalendarPath(cfg.Local.CalendarPath))
		}
		local, err := apple.NewClient(cfg.Local.ServerURL, cfg.Local.Username, cfg.Local.Password, opts...)
		if err != nil {
			storage.Close()
			return nil, fmt.Errorf("failed to create local calendar client: %w", err)
		}
		providers = append(providers, local)
	}

	if cfg.CloudEnabled() {
		clientID, clientSecret, err := config.LoadGoogleCredentials(cfg.GoogleCredentialsPath)
		if err != nil {
			storage.Close()
			return nil, fmt.Errorf("failed to load Google credentials: %w", err)
		}
		oauthConfig := &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  "http://127.0.0.1:8080", // Updated by the auth flow
			Scopes:       []string{gcal.CalendarScope, gcal.CalendarEventsScope},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://accounts.google.com/o/oauth2/auth",
				TokenURL: "https://oauth2.googleapis.com/token",
			},
		}
		flow := auth.NewFlow(oauthConfig, auth.NewTokenFile(cfg.CloudTokenPath), log)
		providers = append(providers, google.NewClient(flow,
			google.WithCalendarID(cfg.CloudCalendarID),
			google.WithLocation(cfg.Location()),
			google.WithLogger(log),
		))
	}

	mon := monitor.New(cfg.PollInterval(), log)
	agg := aggregator.New(aggregator.Options{
		Providers:       providers,
		Preferences:     storage,
		Watcher:         mon,
		Location:        cfg.Location(),
		TTL:             cfg.CacheTTL(),
		DefaultDuration: cfg.DefaultDuration(),
		Logger:          log,
	})

	return &app{cfg: cfg, log: log, storage: storage, monitor: mon, agg: agg}, nil
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	if command != "connect" {
		result := a.agg.RestoreSession(ctx)
		if err := result.Err(); err != nil {
			a.log.Warn().Err(err).Msg("Some calendar sessions could not be restored")
		}
	} else if err := a.agg.LoadPreferences(ctx); err != nil {
		return err
	}

	switch command {
	case "events":
		return a.events(ctx, args)
	case "calendars":
		return a.calendars()
	case "status":
		return a.status(ctx)
	case "connect":
		return a.connect(ctx, args)
	case "signout":
		return a.signOut(ctx, args)
	case "provider":
		return a.provider(ctx, args)
	case "create":
		return a.create(ctx, args)
	case "watch":
		return a.watch(ctx)
	default:
		return fmt.Errorf("unknown command %q, use --help for the list of commands", command)
	}
}

func (a *app) events(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	date := fs.String("date", "", "Day to list (YYYY-MM-DD), default today")
	fs.Parse(args)

	when := time.Now()
	if *date != "" {
		day, err := calendar.ParseDay(*date)
		if err != nil {
			return fmt.Errorf("invalid --date: %w", err)
		}
		when = day.Start(a.cfg.Location())
	}

	events, err := a.agg.GetEvents(ctx, when)
	if errors.Is(err, aggregator.ErrDegraded) {
		a.log.Warn().Msg("No provider could be reached, showing cached events")
	} else if err != nil {
		return err
	}
	a.printEvents(events)
	return nil
}

func (a *app) printEvents(events []calendar.Event) {
	if len(events) == 0 {
		fmt.Println("No events.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, e := range events {
		when := "all day"
		if !e.IsAllDay {
			when = e.StartAt.In(a.cfg.Location()).Format("15:04") + "-" + e.EndAt.In(a.cfg.Location()).Format("15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", when, e.Source, e.Title, e.Location)
	}
	w.Flush()
}

func (a *app) calendars() error {
	st := a.agg.Status()
	if len(st.ConnectedCalendars) == 0 {
		fmt.Println("No connected calendars. Use 'connect local' or 'connect cloud'.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, c := range st.ConnectedCalendars {
		var flags []string
		if c.Primary {
			flags = append(flags, "primary")
		}
		if c.ReadOnly {
			flags = append(flags, "read-only")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.Source, c.Name, strings.Join(flags, ","))
	}
	w.Flush()
	return nil
}

func (a *app) status(ctx context.Context) error {
	st := a.agg.Status()
	accounts, err := a.storage.Accounts(ctx)
	if err != nil {
		return err
	}
	since := make(map[calendar.Source]time.Time)
	for _, acc := range accounts {
		since[acc.Source] = acc.ConnectedAt
	}

	line := func(source calendar.Source, ok bool, account string) {
		if !ok {
			fmt.Printf("%-6s not connected\n", source)
			return
		}
		if t, found := since[source]; found {
			fmt.Printf("%-6s connected as %s since %s\n", source, account, t.In(a.cfg.Location()).Format(time.DateTime))
			return
		}
		fmt.Printf("%-6s connected as %s\n", source, account)
	}
	line(calendar.SourceLocal, st.IsLocalAuthorized, st.LocalAccount)
	line(calendar.SourceCloud, st.IsCloudAuthorized, st.CloudAccount)
	fmt.Printf("default provider: %s\n", st.SelectedProvider)
	return nil
}

func (a *app) connect(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: connect local|cloud")
	}
	source, err := calendar.ParseSource(args[0])
	if err != nil {
		return err
	}

	var authz calendar.Authorization
	if source == calendar.SourceCloud {
		authz, err = a.agg.RequestCloudAccess(ctx)
	} else {
		authz, err = a.agg.RequestAccess(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Connected %s as %s\n", source, authz.Account)
	return nil
}

func (a *app) signOut(ctx context.Context, args []string) error {
	source := calendar.SourceCloud
	if len(args) > 0 {
		s, err := calendar.ParseSource(args[0])
		if err != nil {
			return err
		}
		source = s
	}
	if source == calendar.SourceCloud {
		return a.agg.SignOutCloud(ctx)
	}
	return a.agg.SignOut(ctx, source)
}

func (a *app) provider(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Println(a.agg.SelectedProvider())
		return nil
	}
	source, err := calendar.ParseSource(args[0])
	if err != nil {
		return err
	}
	return a.agg.SetSelectedProvider(ctx, source)
}

func (a *app) create(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	title := fs.String("title", "", "Event title (required)")
	start := fs.String("start", "", "Start, RFC 3339 or \"YYYY-MM-DD HH:MM\" in the reference timezone (required)")
	duration := fs.Duration("duration", 0, "Event duration (default: configured default duration)")
	allDay := fs.Bool("all-day", false, "Create an all-day event")
	location := fs.String("location", "", "Event location")
	provider := fs.String("provider", "", "Provider to create the event with (default: selected provider)")
	var attendees stringList
	fs.Var(&attendees, "attendee", "Attendee email (repeatable)")
	fs.Parse(args)

	if *title == "" || *start == "" {
		return fmt.Errorf("--title and --start are required")
	}
	startAt, err := parseStart(*start, *allDay, a.cfg.Location())
	if err != nil {
		return err
	}

	spec := calendar.EventSpec{
		Title:     *title,
		Location:  *location,
		Start:     startAt,
		Duration:  *duration,
		AllDay:    *allDay,
		Attendees: attendees,
	}
	if *provider != "" {
		if spec.Provider, err = calendar.ParseSource(*provider); err != nil {
			return err
		}
	}

	res, err := a.agg.CreateHangoutEvent(ctx, spec)
	if err != nil {
		if errors.Is(err, calendar.ErrUnauthorized) {
			return fmt.Errorf("%w (run 'connect %s' first)", err, spec.Provider)
		}
		return err
	}
	fmt.Printf("Created %s event %s\n", res.Source, res.ID)
	if res.WebLink != "" {
		fmt.Println(res.WebLink)
	}
	return nil
}

func parseStart(s string, allDay bool, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	layouts := []string{"2006-01-02 15:04", calendar.DateFormat}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			if layout == calendar.DateFormat && !allDay {
				return time.Time{}, fmt.Errorf("--start %q has no time of day, use --all-day or add HH:MM", s)
			}
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid --start %q, expected RFC 3339 or \"YYYY-MM-DD HH:MM\"", s)
}

func (a *app) watch(ctx context.Context) error {
	changes := a.monitor.Subscribe()
	if err := a.monitor.Start(); err != nil {
		return err
	}
	defer a.monitor.Stop()

	events, err := a.agg.GetEvents(ctx, time.Now())
	if err != nil && !errors.Is(err, aggregator.ErrDegraded) {
		return err
	}
	a.printEvents(events)

	a.agg.Follow(ctx, changes, func(events []calendar.Event, err error) {
		if err != nil && !errors.Is(err, aggregator.ErrDegraded) {
			return
		}
		fmt.Println()
		a.printEvents(events)
	})
	return nil
}
