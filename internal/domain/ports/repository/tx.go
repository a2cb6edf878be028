package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

// Tx is an open storage transaction, or nil for autocommit.
type Tx interface{}

// TransactionManager runs fn inside one storage transaction, handing the
// transaction to repositories through tx.
//
// The concrete type of tx is infra-defined (pgx.Tx for Postgres). Repository
// methods MUST accept a nil tx and then run on their own connection.
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
