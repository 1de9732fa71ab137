package main

import (
	"context"
	"fmt"
	"time"

	"popsync/internal/awsconf"
	"popsync/internal/config"
	"popsync/internal/dispatch"
	"popsync/internal/httpx"
	"popsync/internal/ingest"
	"popsync/internal/listing"
	"popsync/internal/metrics"
	"popsync/internal/notebook"
	"popsync/internal/notify"
	"popsync/internal/orchestrator"
	"popsync/internal/reconcile"
	"popsync/internal/store"

	"github.com/sirupsen/logrus"
)

// app holds every collaborator built from one configuration.
type app struct {
	cfg        *config.Config
	store      store.ObjectStore
	client     *httpx.Client
	reconciler *reconcile.Reconciler
	catalog    *listing.Catalog
	mirror     *listing.Storage
	notifier   notify.Notifier
	metrics    *metrics.Metrics
	orch       *orchestrator.Orchestrator

	closers []func()
}

func (a *app) Close() {
	for _, c := range a.closers {
		c()
	}
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.New()}

	st, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = store.NewRetryStore(st, cfg.Retry.Attempts, cfg.Retry.DelayMS)

	a.client = httpx.New(cfg.Retry, time.Duration(cfg.HTTP.TimeoutMS)*time.Millisecond,
		httpx.WithUserAgent(cfg.Catalog.UserAgent))

	a.reconciler = reconcile.New(a.client, a.store, cfg.Catalog.Prefix)
	a.reconciler.AllowEmptySource = cfg.Catalog.AllowEmptySource
	a.reconciler.LogPrefix = cfg.Catalog.LogPrefix
	a.catalog = listing.NewCatalog(a.client, cfg.Catalog.URL, cfg.Catalog.RequestsPerSecond)
	a.mirror = listing.NewStorage(a.store, cfg.Catalog.Prefix)

	a.notifier, err = buildNotifier(ctx, cfg, a)
	if err != nil {
		return nil, err
	}

	exec := notebook.NewPapermill(a.store, cfg.Notebook.Binary, cfg.Notebook.Kernel,
		cfg.Notebook.OutputPrefix, cfg.Notebook.WorkDir)

	a.orch = orchestrator.New(orchestrator.Deps{
		Ingest:         ingest.NewTask(a.client, a.store, cfg.Population.URL, cfg.Population.Prefix),
		Sync:           a.reconciler,
		Catalog:        a.catalog,
		Mirror:         a.mirror,
		Dispatch:       dispatch.New(exec, cfg.Notebook.InputKey, cfg.Dispatch.Prefix, cfg.Dispatch.Suffix),
		Notifier:       a.notifier,
		Metrics:        a.metrics,
		PushgatewayURL: cfg.Metrics.PushgatewayURL,
		MetricsJob:     cfg.Metrics.Job,
	})
	return a, nil
}

func buildStore(ctx context.Context, cfg *config.Config) (store.ObjectStore, error) {
	switch cfg.Storage.Type {
	case "s3":
		s3c := cfg.Storage.S3
		awsCfg, err := awsconf.Load(ctx, s3c.Region, s3c.AccessKeyID, s3c.SecretAccessKey)
		if err != nil {
			return nil, err
		}
		logrus.Infof("Using S3 bucket %s", s3c.Bucket)
		return store.NewS3Store(awsCfg, s3c.Bucket, store.S3Options{
			Endpoint:     s3c.Endpoint,
			UsePathStyle: s3c.UsePathStyle,
		}), nil
	case "fs":
		logrus.Infof("Using filesystem store at %s", cfg.Storage.FS.RootDir)
		return store.NewFSStore(cfg.Storage.FS.RootDir)
	case "memory":
		logrus.Warn("Using in-memory store; nothing persists past this process")
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
}

func buildNotifier(ctx context.Context, cfg *config.Config, a *app) (notify.Notifier, error) {
	switch cfg.Notify.Type {
	case "sqs":
		awsCfg, err := awsconf.Load(ctx, cfg.Notify.SQS.Region, cfg.Storage.S3.AccessKeyID, cfg.Storage.S3.SecretAccessKey)
		if err != nil {
			return nil, err
		}
		return notify.NewSQS(awsCfg, cfg.Notify.SQS.QueueURL), nil
	case "nats":
		n, err := notify.NewNATS(cfg.Notify.NATS.URL, cfg.Notify.NATS.Subject)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, n.Close)
		return n, nil
	case "log":
		return notify.NewLog(), nil
	default:
		return nil, fmt.Errorf("unsupported notify type: %s", cfg.Notify.Type)
	}
}
