package storage

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	log "github.com/sirupsen/logrus"
)

// Provision creates the resources the configured backend needs: the projects
// table, the mongo title index or the sqlite schema, plus any event queues.
func Provision(ctx context.Context, backend Backend, connStr string, queues []string, logger *log.Logger) error {
	switch b := backend.(type) {
	case *TablesStore:
		if err := b.EnsureTable(ctx); err != nil {
			return err
		}
	case *MongoStore:
		if err := b.EnsureIndexes(ctx); err != nil {
			return err
		}
	case *SQLiteStore:
		if err := b.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	logger.WithField("store", backendName(backend)).Info("store provisioned")

	for _, name := range queues {
		if name == "" {
			continue
		}
		if err := createQueue(ctx, connStr, name); err != nil {
			return err
		}
		logger.WithField("queue", name).Info("queue provisioned")
	}
	return nil
}

func createQueue(ctx context.Context, connStr, name string) error {
	q, err := NewQueueClient(connStr, name)
	if err != nil {
		return err
	}
	_, err = q.Create(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
			return err
		}
	}
	return nil
}

func backendName(b Backend) string {
	switch b.(type) {
	case *TablesStore:
		return DriverTables
	case *MongoStore:
		return DriverMongo
	case *SQLiteStore:
		return DriverSQLite
	case *Cache:
		return "cache"
	}
	return "unknown"
}
