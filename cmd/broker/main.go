package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscloudfront "github.com/aws/aws-sdk-go-v2/service/cloudfront"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	awsiam "github.com/aws/aws-sdk-go-v2/service/iam"
	awsroute53 "github.com/aws/aws-sdk-go-v2/service/route53"
	awswafv2 "github.com/aws/aws-sdk-go-v2/service/wafv2"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/domainbroker/core/acme"
	"github.com/dmitrymomot/domainbroker/core/alert"
	"github.com/dmitrymomot/domainbroker/core/config"
	"github.com/dmitrymomot/domainbroker/core/lifecycle"
	"github.com/dmitrymomot/domainbroker/core/logger"
	"github.com/dmitrymomot/domainbroker/core/pipeline"
	"github.com/dmitrymomot/domainbroker/core/provision"
	"github.com/dmitrymomot/domainbroker/core/queue"
	"github.com/dmitrymomot/domainbroker/core/scanner"
	"github.com/dmitrymomot/domainbroker/integration/aws/cloudfront"
	"github.com/dmitrymomot/domainbroker/integration/aws/elb"
	"github.com/dmitrymomot/domainbroker/integration/aws/iam"
	"github.com/dmitrymomot/domainbroker/integration/aws/route53"
	"github.com/dmitrymomot/domainbroker/integration/aws/waf"
	"github.com/dmitrymomot/domainbroker/integration/database/pg"
	"github.com/dmitrymomot/domainbroker/integration/database/redis"
	"github.com/dmitrymomot/domainbroker/integration/email/postmark"
	"github.com/dmitrymomot/domainbroker/storage/postgres"
)

// appConfig holds the process-level settings not owned by a subsystem.
type appConfig struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// EmailAlerts switches operation failure notifications from the log to
	// Postmark. Requires the POSTMARK_* variables when enabled.
	EmailAlerts bool `env:"EMAIL_ALERTS" envDefault:"false"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("broker exited", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var appCfg appConfig
	if err := config.Load(&appCfg); err != nil {
		return err
	}

	log := logger.New(appCfg.LogLevel, slog.String("app", "domainbroker"))

	var (
		pgCfg    pg.Config
		redisCfg redis.Config
		queueCfg queue.Config
		acmeCfg  acme.Config
		scanCfg  scanner.Config
		dnsCfg   route53.Config
		albCfg   elb.Config
	)
	for _, err := range []error{
		config.Load(&pgCfg),
		config.Load(&redisCfg),
		config.Load(&queueCfg),
		config.Load(&acmeCfg),
		config.Load(&scanCfg),
		config.Load(&dnsCfg),
		config.Load(&albCfg),
	} {
		if err != nil {
			return err
		}
	}

	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return fmt.Errorf("postgres connect: %w", err)
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, postgres.Migrations, "migrations", pgCfg, log); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}

	redisClient, err := redis.Connect(ctx, redisCfg)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer redisClient.Close()

	store, err := postgres.NewStore(pool)
	if err != nil {
		return err
	}

	taskStorage, err := postgres.NewTaskStorage(pool,
		postgres.WithTaskRetryDelay(queueCfg.RetryDelay))
	if err != nil {
		return err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("aws config: %w", err)
	}

	dns, err := route53.New(awsroute53.NewFromConfig(awsCfg), dnsCfg)
	if err != nil {
		return err
	}
	certStore, err := iam.New(awsiam.NewFromConfig(awsCfg))
	if err != nil {
		return err
	}
	cdn, err := cloudfront.New(awscloudfront.NewFromConfig(awsCfg))
	if err != nil {
		return err
	}
	lb, err := elb.New(elbv2.NewFromConfig(awsCfg), albCfg)
	if err != nil {
		return err
	}
	webACLs, err := waf.New(awswafv2.NewFromConfig(awsCfg))
	if err != nil {
		return err
	}

	authority, err := acme.NewLegoAuthority(acmeCfg.DirectoryURL)
	if err != nil {
		return err
	}

	issuance, err := acme.NewSteps(store, authority, acmeCfg,
		acme.WithLogger(log.With(logger.Component("acme"))))
	if err != nil {
		return err
	}

	infra, err := provision.NewSteps(store, provision.Providers{
		DNS:  dns,
		Cert: certStore,
		CDN:  cdn,
		LB:   lb,
		WAF:  webACLs,
	}, provision.WithLogger(log.With(logger.Component("provision"))))
	if err != nil {
		return err
	}

	builder, err := lifecycle.NewBuilder(issuance, infra)
	if err != nil {
		return err
	}

	enqueuer, err := queue.NewEnqueuerFromConfig(queueCfg, taskStorage)
	if err != nil {
		return err
	}

	runner, err := pipeline.NewRunner(store, builder, enqueuer,
		pipeline.WithRetryBudget(queueCfg.DefaultMaxRetries),
		pipeline.WithLogger(log.With(logger.Component("pipeline"))))
	if err != nil {
		return err
	}

	lock := redis.NewLock(redisClient)

	recovery, err := scanner.NewRecovery(store, runner, scanCfg,
		scanner.WithRecoveryLocker(lock),
		scanner.WithRecoveryLogger(log.With(logger.Component("recovery"))))
	if err != nil {
		return err
	}

	renewal, err := scanner.NewRenewal(store, runner, scanCfg,
		scanner.WithRenewalLocker(lock),
		scanner.WithRenewalLogger(log.With(logger.Component("renewal"))))
	if err != nil {
		return err
	}

	notifier, err := buildNotifier(appCfg, log)
	if err != nil {
		return err
	}

	worker, err := queue.NewWorkerFromConfig(queueCfg, taskStorage,
		queue.WithWorkerLogger(log.With(logger.Component("worker"))),
		queue.WithFailureHook(runner.FailureHook(notifier)))
	if err != nil {
		return err
	}
	worker.RegisterHandlers(runner.Handler(), recovery.Handler(), renewal.Handler())

	scheduler, err := queue.NewSchedulerFromConfig(queueCfg, taskStorage,
		queue.WithSchedulerLogger(log.With(logger.Component("scheduler"))))
	if err != nil {
		return err
	}
	if err := scheduler.AddTask(scanner.RecoveryTaskName,
		queue.Every(scanCfg.RecoveryInterval), queueCfg.DefaultQueue); err != nil {
		return err
	}
	if err := scheduler.AddTask(scanner.RenewalTaskName,
		queue.DailyAt(scanCfg.RenewalHourUTC, scanCfg.RenewalMinuteUTC), queueCfg.DefaultQueue); err != nil {
		return err
	}

	log.InfoContext(ctx, "broker starting",
		slog.String("acme_directory", acmeCfg.DirectoryURL),
		slog.Any("queues", queueCfg.Queues))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(worker.Run(ctx))
	g.Go(scheduler.Run(ctx))
	return g.Wait()
}

// buildNotifier wires the failure notification channel: Postmark email when
// enabled, structured log otherwise.
func buildNotifier(appCfg appConfig, log *slog.Logger) (alert.Notifier, error) {
	if !appCfg.EmailAlerts {
		return alert.NewLogNotifier(log.With(logger.Component("alert"))), nil
	}

	var pmCfg postmark.Config
	if err := config.Load(&pmCfg); err != nil {
		return nil, err
	}
	return postmark.New(pmCfg)
}
