// Package pipeline runs one merge job: read every source, keep the usable
// and unique nodes, write one Clash configuration.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/nodemerge/internal/aggregate"
	"github.com/John-Robertt/nodemerge/internal/classify"
	"github.com/John-Robertt/nodemerge/internal/config"
	"github.com/John-Robertt/nodemerge/internal/fetch"
	"github.com/John-Robertt/nodemerge/internal/metrics"
	"github.com/John-Robertt/nodemerge/internal/model"
	"github.com/John-Robertt/nodemerge/internal/normalize"
	"github.com/John-Robertt/nodemerge/internal/render"
	"github.com/John-Robertt/nodemerge/internal/subscription"
)

// ErrEmptyResult is wrapped by Run's error when no node survived; no output
// file is written in that case.
var ErrEmptyResult = errors.New("no usable nodes")

// Outcome is the fate of one source.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeMalformed   Outcome = "malformed"
)

type Options struct {
	Local  []string
	Remote []string

	OutputPath      string
	MetricsTextfile string // optional

	Fetch       fetch.Options
	Concurrency int // parallel reads, default 4

	Group      render.GroupOptions
	Classifier *classify.Classifier // nil uses classify.Default

	Logger  *slog.Logger   // nil uses slog.Default()
	Metrics *metrics.Store // nil uses a fresh store
	Now     func() time.Time
}

// OptionsFromConfig maps the loaded configuration onto Options.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) Options {
	return Options{
		Local:           cfg.Sources.Local,
		Remote:          cfg.Sources.Remote,
		OutputPath:      cfg.Output.Path,
		MetricsTextfile: cfg.Metrics.Textfile,
		Fetch: fetch.Options{
			Timeout:    cfg.Fetch.Timeout,
			Attempts:   cfg.Fetch.Attempts,
			RetryDelay: noDelayIfZero(cfg.Fetch.RetryDelay),
			UserAgent:  cfg.Fetch.UserAgent,
			MaxBytes:   cfg.Fetch.MaxBytes,
			Logger:     logger,
		},
		Concurrency: cfg.Fetch.Concurrency,
		Group: render.GroupOptions{
			Name:      cfg.Group.Name,
			TestURL:   cfg.Group.URL,
			Interval:  cfg.Group.Interval,
			Tolerance: cfg.Group.Tolerance,
		},
		Logger: logger,
	}
}

// fetch.Options treats 0 as "use the default delay".
func noDelayIfZero(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Classifier == nil {
		o.Classifier = classify.Default
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Fetch.Logger == nil {
		o.Fetch.Logger = o.Logger
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// SourceReport describes what happened to one source.
type SourceReport struct {
	Location   string
	Kind       fetch.Kind
	Outcome    Outcome
	Parsed     int // proxies entries found
	Skipped    int // entries dropped as malformed
	Accepted   int
	Duplicates int
	Err        error
}

// Result summarizes a run.
type Result struct {
	Sources    []SourceReport
	Counts     []aggregate.LabelCount
	Total      int
	OutputPath string // empty when nothing was written
}

type fetched struct {
	text string
	err  error
}

// Run reads local sources first and then remote ones, in declaration order.
// Reads run in parallel, but results are consumed strictly in source order so
// an earlier source always wins a server:port conflict. A failing source is
// logged and skipped; only an empty overall result, a write failure or
// cancellation of ctx make Run fail.
func Run(ctx context.Context, opt Options) (*Result, error) {
	opt = opt.withDefaults()
	log := opt.Logger

	sources := append(
		lo.Map(opt.Local, func(p string, _ int) fetch.Source { return fetch.Source{Kind: fetch.KindLocal, Location: p} }),
		lo.Map(opt.Remote, func(u string, _ int) fetch.Source { return fetch.Source{Kind: fetch.KindRemote, Location: u} })...,
	)
	log.Info("merge started", "local", len(opt.Local), "remote", len(opt.Remote))

	results := readAll(ctx, sources, opt)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("merge canceled: %w", err)
	}

	agg := aggregate.New(opt.Classifier)
	res := &Result{Sources: make([]SourceReport, 0, len(sources))}
	for i, src := range sources {
		rep := consume(src, results[i], agg, opt)
		opt.Metrics.IncSource(src.Kind.String(), string(rep.Outcome))
		res.Sources = append(res.Sources, rep)
	}

	res.Counts = agg.Counts()
	res.Total = agg.Len()
	for _, c := range res.Counts {
		opt.Metrics.AddAccepted(string(c.Label), c.Count)
	}

	doc, err := render.Assemble(agg.Nodes(), opt.Group)
	if err != nil {
		recordAppError(opt.Metrics, err)
		log.Error("no usable nodes, output not written", "output", opt.OutputPath, "sources", len(sources), "error", err)
		opt.Metrics.SetRun(0, opt.Now())
		writeMetrics(opt)
		if render.IsEmptyResult(err) {
			return res, fmt.Errorf("%w: %w", ErrEmptyResult, err)
		}
		return res, err
	}

	if err := writeOutput(opt.OutputPath, doc); err != nil {
		recordAppError(opt.Metrics, err)
		log.Error("write output failed", "output", opt.OutputPath, "error", err)
		opt.Metrics.SetRun(0, opt.Now())
		writeMetrics(opt)
		return res, err
	}
	res.OutputPath = opt.OutputPath

	opt.Metrics.SetRun(res.Total, opt.Now())
	writeMetrics(opt)

	countAttrs := lo.Map(res.Counts, func(c aggregate.LabelCount, _ int) any {
		return slog.Int(string(c.Label), c.Count)
	})
	log.Info("merge finished",
		"output", opt.OutputPath,
		"total", res.Total,
		slog.Group("countries", countAttrs...),
	)
	return res, nil
}

func readAll(ctx context.Context, sources []fetch.Source, opt Options) []fetched {
	results := make([]fetched, len(sources))

	var g errgroup.Group
	g.SetLimit(opt.Concurrency)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			text, err := fetch.Read(ctx, src, opt.Fetch)
			results[i] = fetched{text: text, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func consume(src fetch.Source, in fetched, agg *aggregate.Aggregator, opt Options) SourceReport {
	log := opt.Logger.With("source", src.Location, "kind", src.Kind.String())
	rep := SourceReport{Location: src.Location, Kind: src.Kind}

	if in.err != nil {
		rep.Err = in.err
		recordAppError(opt.Metrics, in.err)
		if fetch.NotFound(in.err) {
			rep.Outcome = OutcomeNotFound
			log.Warn("local source not found, skipped")
		} else {
			rep.Outcome = OutcomeUnavailable
			log.Error("source unavailable, skipped", "error", in.err)
		}
		return rep
	}

	doc, err := subscription.Parse(src.Location, in.text)
	if err != nil {
		rep.Err = err
		rep.Outcome = OutcomeMalformed
		recordAppError(opt.Metrics, err)
		log.Warn("source document malformed, skipped", "error", err)
		return rep
	}

	rep.Outcome = OutcomeOK
	rep.Parsed = len(doc.Nodes) + doc.Skipped
	rep.Skipped = doc.Skipped
	for _, n := range doc.Nodes {
		if err := normalize.Normalize(n); err != nil {
			rep.Skipped++
			continue
		}
		if agg.Accept(n) {
			rep.Accepted++
		} else {
			rep.Duplicates++
			opt.Metrics.IncDuplicate()
		}
	}
	opt.Metrics.AddSkipped(rep.Skipped)

	log.Info("source merged",
		"parsed", rep.Parsed,
		"skipped", rep.Skipped,
		"accepted", rep.Accepted,
		"duplicates", rep.Duplicates,
	)
	return rep
}

func recordAppError(m *metrics.Store, err error) {
	var coded model.Coded
	if errors.As(err, &coded) {
		app := coded.App()
		m.IncAppError(app.Stage, app.Code)
		return
	}
	m.IncAppError("", "")
}
