// Command withdraw-request validates a withdrawal request and publishes
// the submit command for the engine to pick up.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opencustody/custody-core/internal/queue"
)

type submitCommand struct {
	Version   string `json:"version"`
	Op        string `json:"op"`
	AccountID string `json:"account_id"`
	MemberID  string `json:"member_id"`
	Currency  string `json:"currency"`
	RID       string `json:"rid"`
	Amount    string `json:"amount"`
	Fee       string `json:"fee"`
}

func main() {
	if err := runMain(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("withdraw-request", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	accountID := fs.String("account", "", "account identifier (required)")
	memberID := fs.String("member", "", "member identifier (required)")
	currencyCode := fs.String("currency", "", "currency code (required)")
	rid := fs.String("rid", "", "recipient identifier (required)")
	amount := fs.String("amount", "", "withdrawal amount (required)")
	fee := fs.String("fee", "0", "withdrawal fee")

	driver := fs.String("queue-driver", queue.DriverStdio, "queue driver: kafka or stdio")
	brokers := fs.String("kafka-brokers", "", "comma-separated Kafka brokers (required for kafka driver)")
	topic := fs.String("commands-topic", "withdrawals.commands", "command intake topic")
	timeout := fs.Duration("timeout", 10*time.Second, "publish timeout")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*accountID) == "" || strings.TrimSpace(*memberID) == "" {
		return errors.New("--account and --member are required")
	}
	if strings.TrimSpace(*currencyCode) == "" {
		return errors.New("--currency is required")
	}
	if strings.TrimSpace(*rid) == "" {
		return errors.New("--rid is required")
	}
	if *timeout <= 0 {
		return errors.New("--timeout must be > 0")
	}
	if *driver == queue.DriverKafka && strings.TrimSpace(*brokers) == "" {
		return errors.New("--kafka-brokers is required for the kafka driver")
	}

	amt, err := decimal.NewFromString(strings.TrimSpace(*amount))
	if err != nil {
		return fmt.Errorf("parse --amount: %w", err)
	}
	if amt.Sign() <= 0 {
		return errors.New("--amount must be > 0")
	}
	feeAmt, err := decimal.NewFromString(strings.TrimSpace(*fee))
	if err != nil {
		return fmt.Errorf("parse --fee: %w", err)
	}
	if feeAmt.IsNegative() {
		return errors.New("--fee must be >= 0")
	}

	cmd := submitCommand{
		Version:   "withdrawals.command.v1",
		Op:        "submit",
		AccountID: strings.TrimSpace(*accountID),
		MemberID:  strings.TrimSpace(*memberID),
		Currency:  strings.ToLower(strings.TrimSpace(*currencyCode)),
		RID:       strings.TrimSpace(*rid),
		Amount:    amt.String(),
		Fee:       feeAmt.String(),
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *driver,
		Brokers: queue.SplitCommaList(*brokers),
		Writer:  stdout,
	})
	if err != nil {
		return fmt.Errorf("init producer: %w", err)
	}
	defer func() { _ = producer.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// Key by member so one member's submissions stay ordered.
	if err := producer.Publish(ctx, *topic, []byte(cmd.MemberID), payload); err != nil {
		return fmt.Errorf("publish submit command: %w", err)
	}
	return nil
}
