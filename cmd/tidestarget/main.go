package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/lox/tidestarget/internal/batch"
	"github.com/lox/tidestarget/internal/classify"
	"github.com/lox/tidestarget/internal/config"
	"github.com/lox/tidestarget/internal/lasair"
	"github.com/lox/tidestarget/internal/selection"
	"github.com/lox/tidestarget/internal/store"
)

type CLI struct {
	EnvFile kongdotenv.ENVFileConfig `kong:"optional,name=env-file,default='.env',help='Path to a .env file to load.'"`

	Settings string `default:"flowSettings.yaml" env:"TIDES_SETTINGS" help:"Path to the settings file."`
	Profile  string `default:"devConfig" env:"TIDES_PROFILE" help:"Settings profile to use."`
	DB       string `env:"TIDES_DB" help:"SQLite database path (overrides the profile)."`

	LasairToken string `env:"LASAIR_TOKEN" help:"Lasair API token (overrides the profile)."`
	ChunkSize   int    `help:"Objects per light-curve request (max 50, overrides the profile)."`
	Workers     int    `help:"Concurrent light-curve requests (overrides the profile)."`

	Run     RunCmd     `cmd:"" help:"Drain the alert stream once, classify, persist and forward."`
	Poll    PollCmd    `cmd:"" help:"Run the pipeline on an interval and serve metrics."`
	Check   CheckCmd   `cmd:"" help:"Classify a list of objects and write PassFailCut.csv."`
	Sync    SyncCmd    `cmd:"" help:"Forward pending transients to the follow-up queue."`
	Migrate MigrateCmd `cmd:"" help:"Apply database migrations and exit."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("tidestarget"),
		kong.Description("Select transients from the Lasair stream for spectroscopic follow-up."),
		kong.UsageOnError(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kctx.BindTo(ctx, (*context.Context)(nil))
	if err := kctx.Run(&cli); err != nil {
		log.Fatalf("%s: %v", kctx.Command(), err)
	}
}

// profile loads the settings profile and applies command-line overrides.
func (c *CLI) profile() (*config.Profile, error) {
	p, err := config.LoadProfile(c.Settings, c.Profile)
	if err != nil {
		return nil, err
	}
	if c.DB != "" {
		p.DBPath = c.DB
	}
	if c.LasairToken != "" {
		p.LasairToken = c.LasairToken
	}
	if c.ChunkSize != 0 {
		p.ChunkSize = c.ChunkSize
	}
	if c.Workers != 0 {
		p.Workers = c.Workers
	}
	return p, nil
}

func openStore(path string) (*store.Store, *sql.DB, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, nil, err
	}
	st := store.New(db)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	log.Println("database migrated")
	return st, db, nil
}

type classifierSetup struct {
	criterion  selection.Criterion
	client     *lasair.Client
	classifier *classify.Classifier
}

func newClassifier(token, functionsPath, functionName string, p *config.Profile, scanTriggerDate bool) (*classifierSetup, error) {
	functions, err := selection.LoadFunctions(functionsPath)
	if err != nil {
		return nil, err
	}
	criterion, err := functions.Get(functionName)
	if err != nil {
		return nil, err
	}
	log.Printf("selection function %s: filters=%v significance=%.1f minBands=%d minNights=%d magLimit=%.1f",
		criterion.Name, criterion.Filters, criterion.Significance, criterion.MinBands, criterion.MinNights, criterion.MagLimit)

	lcfg := lasair.DefaultConfig()
	lcfg.Token = token
	if p.LasairURL != "" {
		lcfg.BaseURL = p.LasairURL
	}
	lcfg.CacheTTL = p.CacheTTL
	client, err := lasair.NewClient(lcfg)
	if err != nil {
		return nil, err
	}

	chunk := batch.ClampChunkSize(p.ChunkSize)
	log.Printf("chunk size: %d", chunk)
	c := classify.New(criterion, client, classify.Options{
		ChunkSize:       chunk,
		Workers:         p.Workers,
		ScanTriggerDate: scanTriggerDate,
	})
	return &classifierSetup{criterion: criterion, client: client, classifier: c}, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
