package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"nre/pkg/dbmanager"
)

// DBQueue stores jobs in the "jobs" table of a catalog connection and claims
// them with a conditional status update, so several workers can share it.
type DBQueue struct {
	dbMgr    *dbmanager.DBManager
	connName string
	poll     time.Duration
}

func NewDBQueue(dbMgr *dbmanager.DBManager, connName string) *DBQueue {
	return &DBQueue{
		dbMgr:    dbMgr,
		connName: connName,
		poll:     time.Second,
	}
}

// WithPoll sets the polling interval of Pop.
func (q *DBQueue) WithPoll(d time.Duration) *DBQueue {
	q.poll = d
	return q
}

func (q *DBQueue) conn() (*sql.DB, dbmanager.Dialect, error) {
	db := q.dbMgr.GetConnection(q.connName)
	if db == nil {
		return nil, nil, fmt.Errorf("job queue: no database connection %q", q.connName)
	}
	return db, q.dbMgr.GetDialect(q.connName), nil
}

// EnsureSchema creates the jobs table when it does not exist.
func (q *DBQueue) EnsureSchema(ctx context.Context) error {
	db, dialect, err := q.conn()
	if err != nil {
		return err
	}
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s %s, %s VARCHAR(255) NOT NULL, %s %s NOT NULL, %s VARCHAR(32) NOT NULL, %s TIMESTAMP NOT NULL, %s TIMESTAMP NULL)",
		dialect.QuoteIdentifier("jobs"),
		dialect.QuoteIdentifier("id"), dialect.AutoIncrement(),
		dialect.QuoteIdentifier("queue"),
		dialect.QuoteIdentifier("payload"), dialect.BlobType(),
		dialect.QuoteIdentifier("status"),
		dialect.QuoteIdentifier("created_at"),
		dialect.QuoteIdentifier("processed_at"))
	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("job queue: create jobs table: %w", err)
	}
	return nil
}

func (q *DBQueue) Push(ctx context.Context, queue string, payload []byte) error {
	db, dialect, err := q.conn()
	if err != nil {
		return err
	}

	query := fmt.Sprintf("INSERT INTO %s (%s, %s, %s, %s) VALUES (%s, %s, %s, %s)",
		dialect.QuoteIdentifier("jobs"),
		dialect.QuoteIdentifier("queue"),
		dialect.QuoteIdentifier("payload"),
		dialect.QuoteIdentifier("status"),
		dialect.QuoteIdentifier("created_at"),
		dialect.Placeholder(1),
		dialect.Placeholder(2),
		dialect.Placeholder(3),
		dialect.Placeholder(4))

	_, err = db.ExecContext(ctx, query, queue, payload, "pending", time.Now())
	return err
}

func (q *DBQueue) Pop(ctx context.Context, queues []string) (string, []byte, error) {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		name, payload, ok, err := q.claim(ctx, queues)
		if err != nil || ok {
			return name, payload, err
		}
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// claim takes the oldest pending job of queues. ok is false when there is
// none or another worker claimed it first.
func (q *DBQueue) claim(ctx context.Context, queues []string) (string, []byte, bool, error) {
	db, dialect, err := q.conn()
	if err != nil {
		return "", nil, false, err
	}

	// arguments follow placeholder order in the text for "?" dialects
	whereQueue := ""
	args := []interface{}{"pending"}
	if len(queues) > 0 {
		placeholders := make([]string, len(queues))
		for i, qName := range queues {
			placeholders[i] = dialect.Placeholder(i + 2)
			args = append(args, qName)
		}
		whereQueue = fmt.Sprintf("AND %s IN (%s)", dialect.QuoteIdentifier("queue"), strings.Join(placeholders, ","))
	}

	querySelect := fmt.Sprintf("SELECT %s, %s, %s FROM %s WHERE %s = %s %s ORDER BY %s ASC %s",
		dialect.QuoteIdentifier("id"),
		dialect.QuoteIdentifier("queue"),
		dialect.QuoteIdentifier("payload"),
		dialect.QuoteIdentifier("jobs"),
		dialect.QuoteIdentifier("status"),
		dialect.Placeholder(1),
		whereQueue,
		dialect.QuoteIdentifier("id"),
		dialect.Limit(1, 0))

	var (
		id        int64
		queueName string
		payload   []byte
	)
	err = db.QueryRowContext(ctx, querySelect, args...).Scan(&id, &queueName, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, false, nil
	} else if err != nil {
		return "", nil, false, err
	}

	updateQuery := fmt.Sprintf("UPDATE %s SET %s = %s, %s = %s WHERE %s = %s AND %s = %s",
		dialect.QuoteIdentifier("jobs"),
		dialect.QuoteIdentifier("status"), dialect.Placeholder(1),
		dialect.QuoteIdentifier("processed_at"), dialect.Placeholder(2),
		dialect.QuoteIdentifier("id"), dialect.Placeholder(3),
		dialect.QuoteIdentifier("status"), dialect.Placeholder(4))

	res, err := db.ExecContext(ctx, updateQuery, "processing", time.Now(), id, "pending")
	if err != nil {
		return "", nil, false, err
	}
	ok, err := claimed(res)
	if err != nil {
		return "", nil, false, err
	}
	return queueName, payload, ok, nil
}

// claimed reports whether the conditional UPDATE took the job. A driver that
// cannot count rows leaves the job unclaimed for this worker.
func claimed(res sql.Result) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return affected == 1, nil
}

// Pending counts the jobs nobody has claimed yet.
func (q *DBQueue) Pending(ctx context.Context) (int, error) {
	db, dialect, err := q.conn()
	if err != nil {
		return 0, err
	}
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = %s",
		dialect.QuoteIdentifier("jobs"), dialect.QuoteIdentifier("status"), dialect.Placeholder(1))
	err = db.QueryRowContext(ctx, query, "pending").Scan(&n)
	return n, err
}

func (q *DBQueue) Close() error {
	return nil // connections belong to the DBManager
}
