package repository

import (
	"context"
	"errors"
	"time"

	"github.com/senyabanana/sealed-tender/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultTimeout ограничивает время каждого обращения к базе.
const DefaultTimeout = 5 * time.Second

// ErrNotFound - запись не найдена.
var ErrNotFound = errors.New("record not found")

// querier - общий интерфейс пула и транзакции.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// base содержит пул соединений и таймаут запросов.
type base struct {
	DB      *pgxpool.Pool
	Timeout time.Duration
}

func newBase(db *pgxpool.Pool, timeout time.Duration) base {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return base{DB: db, Timeout: timeout}
}

func (b base) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.Timeout)
}

// runInTx выполняет fn в транзакции: commit при успехе, rollback при любой
// ошибке или панике. Соединение возвращается в пул на всех путях выхода.
func (b base) runInTx(ctx context.Context, op string, fn func(context.Context, pgx.Tx) error) (err error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	tx, err := b.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return models.NewDatabaseError(op, err)
	}
	rollback := func() {
		rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), b.Timeout)
		defer rcancel()
		_ = tx.Rollback(rctx)
	}
	defer func() {
		if p := recover(); p != nil {
			rollback()
			panic(p)
		}
		if err != nil {
			rollback()
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return wrapDBError(op, err)
	}
	if err = tx.Commit(ctx); err != nil {
		return models.NewDatabaseError(op, err)
	}
	return nil
}

const uniqueViolation = "23505"

// wrapDBError оставляет бизнес-ошибки как есть и оборачивает инфраструктурные.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	var coded models.CodedError
	if errors.As(err, &coded) || errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return models.NewInvalidStateError("%s conflicts with a concurrent write (%s)", op, pgErr.ConstraintName)
	}
	return models.NewDatabaseError(op, err)
}

// Versioned - запись с явным полем версии.
type Versioned interface {
	CurrentVersion() int
}

// VersionOutcome - результат обновления с проверкой версии.
type VersionOutcome int

const (
	VersionOK       VersionOutcome = iota // Запись обновлена
	VersionConflict                       // Версия не совпала, Record - текущее состояние
)

// VersionResult - тегированный результат UpdateWithVersion.
type VersionResult[T Versioned] struct {
	Outcome VersionOutcome
	Record  T
}

// Ok сообщает, что обновление применено.
func (r VersionResult[T]) Ok() bool {
	return r.Outcome == VersionOK
}

// UpdateWithVersion загружает запись под блокировкой, сверяет версию и применяет изменение.
// При несовпадении версии изменение не применяется и возвращается текущая запись.
func UpdateWithVersion[T Versioned, Q any](
	ctx context.Context,
	q Q,
	expected int,
	load func(context.Context, Q) (T, error),
	apply func(context.Context, Q, T) (T, error),
) (VersionResult[T], error) {
	current, err := load(ctx, q)
	if err != nil {
		return VersionResult[T]{}, err
	}
	if current.CurrentVersion() != expected {
		return VersionResult[T]{Outcome: VersionConflict, Record: current}, nil
	}
	updated, err := apply(ctx, q, current)
	if err != nil {
		return VersionResult[T]{}, err
	}
	return VersionResult[T]{Outcome: VersionOK, Record: updated}, nil
}
