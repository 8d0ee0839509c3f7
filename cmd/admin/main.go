// Command admin is the interactive operator console: create a saga,
// resume a stuck one by id, exit.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"ferryman/cmd/server/config"
	idemdb "ferryman/internal/db/idempotency"
	ledgerdb "ferryman/internal/db/ledger"
	sagasdb "ferryman/internal/db/sagas"
	"ferryman/internal/reliability"
	"ferryman/internal/saga"
	"ferryman/internal/transfer"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.WithError(err).Fatal("admin error")
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	log := logrus.NewEntry(logger)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	sagaStore, err := sagasdb.NewStoreWithSchema(setupCtx, db)
	if err != nil {
		return err
	}
	ledgerStore, err := ledgerdb.NewStoreWithSchema(setupCtx, db, cfg.OverdraftLimitCents)
	if err != nil {
		return err
	}
	keys, err := idemdb.NewStoreWithSchema(setupCtx, db)
	if err != nil {
		return err
	}

	owner := "admin-" + uuid.NewString()[:8]
	steps := transfer.Steps(keys, ledgerStore, owner, cfg.StepLeaseDefault)
	coord := saga.NewCoordinator(sagaStore, nil, log)

	// Resume retries ride out transient conflicts so a stuck saga can be
	// pushed to quiescence from the console in one command.
	retry := reliability.RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		ShouldRetry: func(err error) bool {
			return errors.Is(err, saga.ErrRetryLater) || errors.Is(err, saga.ErrLostLease)
		},
	}

	fmt.Println("commands: create <from> <to> <amount-cents> | resume <saga-id> | exit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "create":
			if len(fields) != 4 {
				fmt.Println("usage: create <from> <to> <amount-cents>")
				continue
			}
			amount, err := strconv.ParseInt(fields[3], 10, 64)
			if err != nil || amount <= 0 {
				fmt.Println("amount must be a positive integer")
				continue
			}
			id := uuid.New()
			data := transfer.NewData(id, fields[1], fields[2], amount)
			if err := sagaStore.CreateSaga(ctx, id, data, transfer.DataType); err != nil {
				fmt.Printf("create failed: %v\n", err)
				continue
			}
			fmt.Printf("saga queued: %s\n", id)

		case "resume":
			if len(fields) != 2 {
				fmt.Println("usage: resume <saga-id>")
				continue
			}
			id, err := uuid.Parse(fields[1])
			if err != nil {
				fmt.Println("invalid saga id")
				continue
			}
			var data transfer.Data
			inst, err := sagaStore.Load(ctx, id, steps, &data)
			if err != nil {
				fmt.Printf("load failed: %v\n", err)
				continue
			}
			if inst == nil {
				fmt.Println("saga not found")
				continue
			}
			err = retry.Do(ctx, func() error { return coord.Process(ctx, inst) })
			if err != nil {
				fmt.Printf("resume stopped: %v\n", err)
			}
			fmt.Printf("state=%s cursor=%d errors=%v\n", inst.State(), inst.Cursor(), inst.ErrorLog())

		case "exit", "quit":
			return nil

		default:
			fmt.Println("unknown command")
		}
	}
}
