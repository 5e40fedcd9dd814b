// Command withdraw-engine runs the withdrawal lifecycle daemon: it
// consumes command messages, drives the state machine, and publishes
// settlement jobs and lifecycle events.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/opencustody/custody-core/internal/archive"
	"github.com/opencustody/custody-core/internal/currency"
	"github.com/opencustody/custody-core/internal/engine"
	"github.com/opencustody/custody-core/internal/event"
	"github.com/opencustody/custody-core/internal/leases"
	leasespg "github.com/opencustody/custody-core/internal/leases/postgres"
	"github.com/opencustody/custody-core/internal/ledger"
	ledgerpg "github.com/opencustody/custody-core/internal/ledger/postgres"
	"github.com/opencustody/custody-core/internal/queue"
	"github.com/opencustody/custody-core/internal/risklimit"
	"github.com/opencustody/custody-core/internal/settlement"
	"github.com/opencustody/custody-core/internal/withdrawal"
	withdrawalpg "github.com/opencustody/custody-core/internal/withdrawal/postgres"
)

const commandVersion = "withdrawals.command.v1"

type commandV1 struct {
	Version string `json:"version"`
	Op      string `json:"op"`

	// Existing-request ops address the row by id.
	ID string `json:"id,omitempty"`

	// submit carries the creation fields.
	AccountID string `json:"account_id,omitempty"`
	MemberID  string `json:"member_id,omitempty"`
	Currency  string `json:"currency,omitempty"`
	RID       string `json:"rid,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Fee       string `json:"fee,omitempty"`

	// Worker callbacks.
	TxID        string  `json:"txid,omitempty"`
	BlockNumber *uint64 `json:"block_number,omitempty"`
}

func main() {
	var (
		owner       = flag.String("owner", "", "unique engine instance id (required; used for request leases)")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (empty runs on in-memory stores; dev only)")

		currenciesFile = flag.String("currencies", "", "path to currency configuration JSON (required)")

		leaseTTL   = flag.Duration("lease-ttl", 30*time.Second, "per-request lease TTL")
		opTimeout  = flag.Duration("op-timeout", 10*time.Second, "timeout per engine operation")
		queueTLS   = flag.Bool("kafka-tls", false, "enable TLS toward Kafka brokers (see CUSTODY_QUEUE_KAFKA_TLS)")
		driver     = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka or stdio")
		brokers    = flag.String("kafka-brokers", "", "comma-separated Kafka brokers (required for kafka driver)")
		group      = flag.String("kafka-group", "withdraw-engine", "Kafka consumer group")
		cmdTopic   = flag.String("commands-topic", "withdrawals.commands", "command intake topic")
		eventTopic = flag.String("events-topic", "withdrawals.events", "lifecycle event topic")
		coinTopic  = flag.String("coin-topic", "withdraw_coin", "coin settlement job topic")
		escTopic   = flag.String("escrow-topic", "withdraw_escrow", "escrow settlement job topic")

		archiveDriver = flag.String("archive-driver", "", "terminal-record archive driver: s3, memory, or empty to disable")
		archiveBucket = flag.String("archive-bucket", "", "S3 bucket for terminal records (required for s3 archive)")
		archivePrefix = flag.String("archive-prefix", "", "key prefix for terminal records")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *owner == "" || *currenciesFile == "" {
		fmt.Fprintln(os.Stderr, "error: --owner and --currencies are required")
		os.Exit(2)
	}
	if *leaseTTL <= 0 || *opTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: durations must be > 0")
		os.Exit(2)
	}
	if *driver == queue.DriverKafka && *brokers == "" {
		fmt.Fprintln(os.Stderr, "error: --kafka-brokers is required for the kafka driver")
		os.Exit(2)
	}
	if *queueTLS {
		os.Setenv("CUSTODY_QUEUE_KAFKA_TLS", "1")
	}

	registry, err := currency.LoadFile(*currenciesFile)
	if err != nil {
		log.Error("load currencies", "err", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		withdrawals withdrawal.Store
		balances    ledger.Store
		locks       leases.Store
	)
	if *postgresDSN != "" {
		pool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		wstore, err := withdrawalpg.New(pool)
		if err != nil {
			log.Error("init withdrawal store", "err", err)
			os.Exit(2)
		}
		lstore, err := ledgerpg.New(pool)
		if err != nil {
			log.Error("init ledger store", "err", err)
			os.Exit(2)
		}
		leaseStore, err := leasespg.New(pool)
		if err != nil {
			log.Error("init lease store", "err", err)
			os.Exit(2)
		}
		for name, ensure := range map[string]func(context.Context) error{
			"withdrawals": wstore.EnsureSchema,
			"ledger":      lstore.EnsureSchema,
			"leases":      leaseStore.EnsureSchema,
		} {
			if err := ensure(ctx); err != nil {
				log.Error("ensure schema", "schema", name, "err", err)
				os.Exit(2)
			}
		}
		withdrawals, balances, locks = wstore, lstore, leaseStore
	} else {
		log.Warn("running on in-memory stores; state is lost on exit")
		withdrawals = withdrawal.NewMemoryStore(nil)
		balances = ledger.NewMemoryStore()
		locks = leases.NewMemoryStore(nil)
	}

	brokerList := queue.SplitCommaList(*brokers)
	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *driver,
		Brokers: brokerList,
		Writer:  os.Stdout,
	})
	if err != nil {
		log.Error("init producer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = producer.Close() }()

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:  *driver,
		Brokers: brokerList,
		Group:   *group,
		Topics:  []string{*cmdTopic},
		Reader:  os.Stdin,
	})
	if err != nil {
		log.Error("init consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = consumer.Close() }()

	dispatcher, err := settlement.New(settlement.Config{
		CoinTopic:   *coinTopic,
		EscrowTopic: *escTopic,
	}, producer)
	if err != nil {
		log.Error("init settlement dispatcher", "err", err)
		os.Exit(2)
	}

	events, err := event.NewPublisher(*eventTopic, producer)
	if err != nil {
		log.Error("init event publisher", "err", err)
		os.Exit(2)
	}

	risk, err := risklimit.New(withdrawals)
	if err != nil {
		log.Error("init risk limiter", "err", err)
		os.Exit(2)
	}

	var archiver *archive.Archiver
	if *archiveDriver != "" {
		cfg := archive.Config{
			Driver: *archiveDriver,
			Bucket: *archiveBucket,
			Prefix: *archivePrefix,
		}
		if *archiveDriver == archive.DriverS3 {
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				log.Error("load aws config", "err", err)
				os.Exit(2)
			}
			cfg.S3Client = s3.NewFromConfig(awsCfg)
		}
		store, err := archive.NewStore(cfg)
		if err != nil {
			log.Error("init archive store", "err", err)
			os.Exit(2)
		}
		archiver, err = archive.NewArchiver(store)
		if err != nil {
			log.Error("init archiver", "err", err)
			os.Exit(2)
		}
	}

	eng, err := engine.New(engine.Config{
		Owner:    *owner,
		LeaseTTL: *leaseTTL,
		Now:      time.Now,
	}, withdrawals, balances, registry, risk, dispatcher, locks, events, nil, archiver, log)
	if err != nil {
		log.Error("init engine", "err", err)
		os.Exit(2)
	}

	log.Info("withdraw engine started",
		"owner", *owner,
		"driver", *driver,
		"commandsTopic", *cmdTopic,
		"coinTopic", *coinTopic,
		"escrowTopic", *escTopic,
		"currencies", strings.Join(registry.Codes(), ","),
		"postgres", *postgresDSN != "",
	)

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown", "reason", ctx.Err())
			return
		case err, ok := <-consumer.Errors():
			if !ok {
				return
			}
			log.Error("consumer error", "err", err)
		case msg, ok := <-consumer.Messages():
			if !ok {
				log.Info("command stream closed")
				return
			}
			handleCommand(ctx, eng, log, msg, *opTimeout)
		}
	}
}

func handleCommand(ctx context.Context, eng *engine.Engine, log *slog.Logger, msg queue.Message, timeout time.Duration) {
	var cmd commandV1
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		log.Error("parse command json", "err", err)
		return
	}
	if cmd.Version != "" && cmd.Version != commandVersion {
		log.Warn("skip unknown command version", "version", cmd.Version)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := runCommand(cctx, eng, cmd); err != nil {
		log.Error("command failed", "op", cmd.Op, "id", cmd.ID, "err", err)
		return
	}
	if err := msg.Ack(cctx); err != nil {
		log.Warn("ack command", "op", cmd.Op, "err", err)
	}
	log.Info("command applied", "op", cmd.Op, "id", cmd.ID)
}

func runCommand(ctx context.Context, eng *engine.Engine, cmd commandV1) error {
	if cmd.Op == "submit" {
		return runSubmit(ctx, eng, cmd)
	}

	id, err := uuid.Parse(cmd.ID)
	if err != nil {
		return fmt.Errorf("parse id: %w", err)
	}

	switch cmd.Op {
	case "cancel":
		_, err = eng.Cancel(ctx, id)
	case "suspect":
		_, err = eng.Suspect(ctx, id)
	case "accept":
		_, err = eng.Accept(ctx, id)
	case "reject":
		_, err = eng.Reject(ctx, id)
	case "audit":
		_, err = eng.Audit(ctx, id)
	case "process":
		_, err = eng.Process(ctx, id)
	case "load":
		_, err = eng.Load(ctx, id)
	case "dispatch":
		_, err = eng.Dispatch(ctx, id)
	case "success":
		_, err = eng.Success(ctx, id)
	case "fail":
		_, err = eng.Fail(ctx, id)
	case "reprocess":
		err = eng.Reprocess(ctx, id)
	case "attach_txid":
		_, err = eng.AttachTxID(ctx, id, cmd.TxID)
	case "record_block":
		if cmd.BlockNumber == nil {
			return fmt.Errorf("record_block requires block_number")
		}
		_, err = eng.RecordBlockNumber(ctx, id, *cmd.BlockNumber)
	default:
		return fmt.Errorf("unknown op %q", cmd.Op)
	}
	return err
}

func runSubmit(ctx context.Context, eng *engine.Engine, cmd commandV1) error {
	amount, err := decimal.NewFromString(cmd.Amount)
	if err != nil {
		return fmt.Errorf("parse amount: %w", err)
	}
	fee := decimal.Zero
	if cmd.Fee != "" {
		fee, err = decimal.NewFromString(cmd.Fee)
		if err != nil {
			return fmt.Errorf("parse fee: %w", err)
		}
	}

	w, err := eng.Create(ctx, engine.CreateParams{
		AccountID: cmd.AccountID,
		MemberID:  cmd.MemberID,
		Currency:  cmd.Currency,
		RID:       cmd.RID,
		Amount:    amount,
		Fee:       fee,
	})
	if err != nil {
		return err
	}
	_, err = eng.Submit(ctx, w.ID)
	return err
}
