package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/artifact"
	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/config"
	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/fetch"
	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/logging"
	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/notify"
	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/orchestrator"
	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/store"
	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/transaction"
)

func main() {
	os.Exit(run())
}

func run() int {
	// .env is a development convenience; absence is fine.
	godotenv.Load()

	dateFlag := flag.String("date", "", "run date as YYYY-MM-DD (default: yesterday)")
	processorsFlag := flag.String("processors", "", "comma-separated processor names (required for batch runs)")
	forceFlag := flag.Bool("force", false, "restart pairs that already have a terminal run")
	historyFlag := flag.String("history", "", "print recent runs for a processor and exit")
	daysFlag := flag.Int("days", 30, "lookback window in days for --history")
	verifyAuditFlag := flag.Bool("verify-audit", false, "verify the audit log hash chain and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 2
	}

	log := logging.New(cfg.Environment)

	operatorMode := *verifyAuditFlag || *historyFlag != ""

	runDate, err := resolveRunDate(*dateFlag)
	if err != nil {
		log.WithError(err).Error("invalid --date")
		return 2
	}
	processors := splitProcessors(*processorsFlag)
	if !operatorMode && len(processors) == 0 {
		log.Error("--processors is required, e.g. --processors=stripe,paypal")
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Error("could not create database pool")
		return 2
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.WithError(err).Error("database unreachable")
		return 2
	}

	gateway := store.NewGateway(store.WrapPool(pool), logging.Component(log, "store"),
		store.WithGraceWindow(cfg.AuditGraceWindow))
	if err := gateway.Init(ctx); err != nil {
		log.WithError(err).Error("could not initialize audit chain")
		return 2
	}
	if err := gateway.HealthCheck(ctx); err != nil {
		log.WithError(err).Error("persistence health check failed")
		return 2
	}

	if *verifyAuditFlag {
		return verifyAudit(ctx, gateway, logrus.NewEntry(log))
	}
	if *historyFlag != "" {
		return printHistory(ctx, gateway, *historyFlag, *daysFlag, os.Stdout, logrus.NewEntry(log))
	}

	tiers, err := buildDeliveryChain(ctx, cfg, logging.Component(log, "artifact"))
	if err != nil {
		log.WithError(err).Error("could not build delivery chain")
		return 2
	}
	defer tiers.close()

	// Push artifacts stranded by an earlier primary outage before new
	// deliveries start.
	if tiers.primary != nil {
		synced, err := artifact.ResyncFallback(ctx, tiers.primary, tiers.fallback,
			logging.Component(log, "artifact"))
		if err != nil {
			log.WithError(err).WithField("synced", synced).
				Warn("fallback resync incomplete, remaining artifacts stay queued")
		}
	}

	notifier, err := buildNotifier(ctx, cfg, logging.Component(log, "notify"))
	if err != nil {
		log.WithError(err).Error("could not build notifier")
		return 2
	}

	processorFeed := fetch.NewHTTPSource(cfg.ProcessorAPIURL, cfg.ProcessorAPIKey,
		cfg.FetchTimeout, logging.Component(log, "fetch").WithField("feed", "processor"))
	internalFeed := fetch.NewHTTPSource(cfg.InternalAPIURL, cfg.InternalAPIKey,
		cfg.FetchTimeout, logging.Component(log, "fetch").WithField("feed", "internal"))
	normalizer := transaction.NewNormalizer(logging.Component(log, "normalize"), cfg.MaxCorruptionRate)

	o := orchestrator.New(
		processorFeed, internalFeed, normalizer, gateway, tiers.chain, notifier,
		cfg.Thresholds, logging.Component(log, "orchestrator"),
		orchestrator.WithForceNew(*forceFlag),
		orchestrator.WithWorkers(cfg.Workers),
		orchestrator.WithScratchDir(cfg.ScratchDir, cfg.CleanupScratch),
	)

	log.WithFields(logrus.Fields{
		"date":       runDate.Format("2006-01-02"),
		"processors": processors,
		"force":      *forceFlag,
	}).Info("starting reconciliation batch")

	summary := o.RunBatch(ctx, processors, runDate)
	return summary.ExitCode()
}

func resolveRunDate(value string) (time.Time, error) {
	if value == "" {
		y := time.Now().UTC().AddDate(0, 0, -1)
		return time.Date(y.Year(), y.Month(), y.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	d, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD, got %q", value)
	}
	return d, nil
}

func splitProcessors(value string) []string {
	var processors []string
	for _, p := range strings.Split(value, ",") {
		if p = strings.TrimSpace(p); p != "" {
			processors = append(processors, p)
		}
	}
	return processors
}

// deliveryTiers holds the assembled artifact stores. The individual
// tiers stay reachable so the startup resync sweep can push stranded
// fallback artifacts to the primary.
type deliveryTiers struct {
	chain    *artifact.Chain
	primary  artifact.Store
	fallback *artifact.LocalStore
	closers  []func()
}

func (d *deliveryTiers) close() {
	for _, c := range d.closers {
		c()
	}
}

// buildDeliveryChain assembles primary (GCS) and fallback (local)
// artifact tiers from the configuration. Development runs without a
// bucket get the fallback only.
func buildDeliveryChain(ctx context.Context, cfg *config.Config, log *logrus.Entry) (*deliveryTiers, error) {
	tiers := &deliveryTiers{}

	if cfg.GCSBucket != "" {
		gcs, err := artifact.NewGCSStore(ctx, cfg.GCSBucket)
		if err != nil {
			return nil, fmt.Errorf("gcs store: %w", err)
		}
		tiers.closers = append(tiers.closers, func() { gcs.Close() })
		tiers.primary = gcs
	}

	local, err := artifact.NewLocalStore(cfg.FallbackRoot)
	if err != nil {
		tiers.close()
		return nil, fmt.Errorf("fallback store: %w", err)
	}
	tiers.closers = append(tiers.closers, func() { local.Close() })
	tiers.fallback = local

	tiers.chain = artifact.NewChain(tiers.primary, local, log,
		artifact.WithMaxAttempts(cfg.DeliveryAttempts),
		artifact.WithBaseBackoff(cfg.DeliveryBackoff),
	)
	return tiers, nil
}

// opsGateway is the slice of the persistence gateway the operator
// modes need.
type opsGateway interface {
	VerifyAuditTrail(ctx context.Context) (bool, error)
	RunHistory(ctx context.Context, processor string, days int) ([]store.Run, error)
}

// verifyAudit re-derives the audit hash chain and reports the result.
// Exit code 0 means intact, 1 means the chain is broken.
func verifyAudit(ctx context.Context, g opsGateway, log *logrus.Entry) int {
	ok, err := g.VerifyAuditTrail(ctx)
	if err != nil {
		log.WithError(err).Error("audit verification failed")
		return 2
	}
	if !ok {
		log.Error("audit log hash chain is broken")
		return 1
	}
	log.Info("audit log hash chain verified")
	return 0
}

// printHistory writes a processor's recent runs to out, newest first.
func printHistory(ctx context.Context, g opsGateway, processor string, days int, out io.Writer, log *logrus.Entry) int {
	runs, err := g.RunHistory(ctx, processor, days)
	if err != nil {
		log.WithError(err).Error("could not load run history")
		return 2
	}
	if len(runs) == 0 {
		fmt.Fprintf(out, "no runs for %s in the last %d days\n", processor, days)
		return 0
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN DATE\tSTATUS\tPROCESSOR TXNS\tINTERNAL TXNS\tMISSING\tDISCREPANCY\tARTIFACT")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.RunDate.Format("2006-01-02"), r.Status,
			r.ProcessorTxnCount, r.InternalTxnCount, r.MissingCount,
			r.TotalDiscrepancyAmount.StringFixed(2), r.ArtifactLocation)
	}
	w.Flush()
	return 0
}

// buildNotifier composes the always-on log notifier with Pub/Sub when
// configured.
func buildNotifier(ctx context.Context, cfg *config.Config, log *logrus.Entry) (notify.Notifier, error) {
	logNotifier := notify.NewLogNotifier(log)
	if cfg.PubSubTopic == "" {
		return logNotifier, nil
	}

	ps, err := notify.NewPubSubNotifier(ctx, cfg.PubSubProjectID, cfg.PubSubTopic)
	if err != nil {
		return nil, fmt.Errorf("pubsub notifier: %w", err)
	}
	return notify.NewMultiNotifier(logNotifier, ps), nil
}
