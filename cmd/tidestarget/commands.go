package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lox/tidestarget/internal/api"
	"github.com/lox/tidestarget/internal/config"
	"github.com/lox/tidestarget/internal/followup"
	"github.com/lox/tidestarget/internal/lasair"
	"github.com/lox/tidestarget/internal/pipeline"
	"github.com/lox/tidestarget/internal/store"
)

// StreamFlags select where alerts come from.
type StreamFlags struct {
	File      string `help:"Replay an object list instead of reading the broker." type:"existingfile"`
	DevGroup  bool   `help:"Use a throwaway consumer group so the topic is read from the start."`
	NoForward bool   `help:"Persist results but do not forward them to the follow-up queue."`
}

// driverSetup holds everything a driver needs, so commands can close it.
type driverSetup struct {
	driver  *pipeline.Driver
	store   *store.Store
	profile *config.Profile
	close   func()
}

func (f StreamFlags) build(cli *CLI) (*driverSetup, error) {
	p, err := cli.profile()
	if err != nil {
		return nil, err
	}
	if f.File == "" {
		err = p.ValidateStream()
	} else {
		err = p.ValidateClassify()
	}
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", cli.Profile, err)
	}
	token, err := p.Token()
	if err != nil {
		return nil, err
	}

	var stream lasair.Stream
	source := "kafka"
	if f.File != "" {
		source = "file"
		stream, err = lasair.NewFileStream(f.File)
	} else {
		groupID := p.GroupID
		if f.DevGroup {
			groupID = lasair.DevGroupID()
		}
		log.Printf("topic %s, group %s", p.Topic, groupID)
		stream, err = lasair.NewKafkaStream(lasair.KafkaConfig{Broker: p.Broker, Topic: p.Topic, GroupID: groupID})
	}
	if err != nil {
		return nil, err
	}

	setup, err := newClassifier(token, p.SelectFunctionPath, p.SelectFunction, p, p.ScanTriggerDate)
	if err != nil {
		stream.Close()
		return nil, err
	}

	st, db, err := openStore(p.DBPath)
	if err != nil {
		stream.Close()
		return nil, err
	}

	archive := store.NewPayloadArchive(st, "lasair")
	setup.client.SetPayloadRecorder(archive)

	driver := pipeline.NewDriver(pipeline.Config{
		Source:      source,
		Criterion:   setup.criterion.Name,
		PollTimeout: p.PollTimeout,
	}, stream, setup.classifier, st)
	driver.SetRunTagger(archive, setup.client)

	if !f.NoForward {
		queue, err := newFollowupClient(p)
		if err != nil {
			stream.Close()
			db.Close()
			return nil, err
		}
		if queue != nil {
			driver.SetFollowupQueue(queue)
		}
	}

	return &driverSetup{
		driver:  driver,
		store:   st,
		profile: p,
		close: func() {
			if err := stream.Close(); err != nil {
				log.Printf("close stream: %v", err)
			}
			db.Close()
		},
	}, nil
}

// newFollowupClient returns nil when no queue is configured.
func newFollowupClient(p *config.Profile) (*followup.Client, error) {
	if p.FollowupURL == "" {
		log.Println("no followupURL configured, not forwarding")
		return nil, nil
	}
	return followup.NewClient(followup.Config{BaseURL: p.FollowupURL, Token: p.FollowupToken})
}

type RunCmd struct {
	StreamFlags `embed:""`
}

func (r *RunCmd) Run(ctx context.Context, cli *CLI) error {
	setup, err := r.build(cli)
	if err != nil {
		return err
	}
	defer setup.close()

	summary, err := setup.driver.RunOnce(ctx)
	if err != nil {
		return err
	}
	log.Printf("run %d: %d alerts, %d unique, %d passed, %d no data, %d deactivated, %d forwarded",
		summary.RunID, summary.Alerts, summary.UniqueObjects, summary.Passed, summary.NoData,
		summary.Deactivated, summary.Forwarded)
	return nil
}

type PollCmd struct {
	StreamFlags `embed:""`
	Interval    time.Duration `help:"Time between runs (overrides the profile)."`
	Addr        string        `default:":9100" env:"TIDES_ADDR" help:"Address to serve status and /metrics on; empty disables."`
}

func (c *PollCmd) Run(ctx context.Context, cli *CLI) error {
	setup, err := c.build(cli)
	if err != nil {
		return err
	}
	defer setup.close()

	interval := setup.profile.PollInterval
	if c.Interval > 0 {
		interval = c.Interval
	}

	if c.Addr != "" {
		srv := api.NewServer(setup.store, c.Addr, 3*interval)
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Printf("api: %v", err)
			}
		}()
	}

	log.Printf("polling every %s", interval)
	pipeline.NewScheduler(setup.driver, setup.store, interval, setup.profile.PayloadDays).Run(ctx)
	return nil
}

type CheckCmd struct {
	Input     string `short:"i" required:"" type:"existingfile" help:"Object list, one ZTF name per line."`
	Output    string `short:"o" required:"" help:"Output directory."`
	Selection string `short:"s" help:"Selection functions YAML (defaults to the profile's)."`
	Name      string `short:"n" help:"Selection function name (defaults to the profile's)."`
	Key       string `short:"k" env:"LASAIR_TOKEN" help:"Lasair token, or path to a YAML file holding lasair.token."`
	Chunk     int    `short:"c" default:"50" help:"Objects per light-curve request (max 50)."`
	Plot      bool   `short:"p" default:"true" negatable:"" help:"Save a light-curve plot per object."`
}

func (c *CheckCmd) Run(ctx context.Context, cli *CLI) error {
	p := &config.Profile{}
	if c.Selection == "" || c.Name == "" || c.Key == "" {
		loaded, err := cli.profile()
		if err != nil {
			return fmt.Errorf("--selection, --name and --key are required without a settings profile: %w", err)
		}
		p = loaded
	}
	p.ApplyDefaults()
	if c.Selection != "" {
		p.SelectFunctionPath = c.Selection
	}
	if c.Name != "" {
		p.SelectFunction = c.Name
	}
	if c.Key != "" {
		p.LasairToken, p.LasairTokenFile = c.Key, ""
		if fileExists(c.Key) {
			p.LasairToken, p.LasairTokenFile = "", c.Key
		}
	}
	p.ChunkSize = c.Chunk
	if cli.ChunkSize != 0 {
		p.ChunkSize = cli.ChunkSize
	}
	if cli.Workers != 0 {
		p.Workers = cli.Workers
	}
	if err := p.ValidateClassify(); err != nil {
		return err
	}
	token, err := p.Token()
	if err != nil {
		return err
	}

	ids, err := lasair.ReadObjectList(c.Input)
	if err != nil {
		return err
	}
	log.Printf("requesting light curves for %d objects", len(ids))
	if c.Plot {
		log.Printf("plots will be saved in %s", c.Output)
	}

	setup, err := newClassifier(token, p.SelectFunctionPath, p.SelectFunction, p, true)
	if err != nil {
		return err
	}

	out, err := pipeline.Check(ctx, setup.classifier, setup.criterion, ids, pipeline.CheckOptions{
		OutputDir: c.Output,
		Plot:      c.Plot,
	})
	if out != nil && out.CSVPath != "" {
		log.Printf("wrote %s (%d objects, %d plots)", out.CSVPath, len(out.Results), len(out.Plots))
	}
	return err
}

type SyncCmd struct{}

func (s *SyncCmd) Run(ctx context.Context, cli *CLI) error {
	p, err := cli.profile()
	if err != nil {
		return err
	}
	queue, err := newFollowupClient(p)
	if err != nil {
		return err
	}
	if queue == nil {
		return errors.New("followupURL is required to sync")
	}

	st, db, err := openStore(p.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	driver := pipeline.NewDriver(pipeline.Config{Source: "sync"}, nil, nil, st)
	driver.SetFollowupQueue(queue)
	forwarded, failed, err := driver.Forward(ctx)
	if err != nil {
		return err
	}
	log.Printf("forwarded %d transients, %d failed", forwarded, failed)
	if failed > 0 {
		return fmt.Errorf("%d transients failed to forward", failed)
	}
	return nil
}

type MigrateCmd struct{}

func (m *MigrateCmd) Run(cli *CLI) error {
	path := cli.DB
	if path == "" {
		p, err := cli.profile()
		if err != nil {
			return err
		}
		path = p.DBPath
	}
	_, db, err := openStore(path)
	if err != nil {
		return err
	}
	defer db.Close()

	version, err := store.New(db).MigrationVersion()
	if err != nil {
		return err
	}
	log.Printf("schema version %d", version)
	return nil
}
