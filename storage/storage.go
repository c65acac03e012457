package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"kanban-api/domain"
)

// Supported values for Options.Driver.
const (
	DriverTables = "tables"
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

// Backend is a project store the service can health check and release.
type Backend interface {
	domain.ProjectStore
	Ping(ctx context.Context) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Driver           string
	ConnectionString string
	ProjectsTable    string
	SQLitePath       string
	MongoURI         string
	MongoDatabase    string
	MongoCollection  string
}

// Open connects the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Driver {
	case DriverTables:
		return NewTablesStore(opts.ConnectionString, opts.ProjectsTable)
	case DriverSQLite:
		return NewSQLiteStore(opts.SQLitePath)
	case DriverMongo:
		return NewMongoStore(ctx, opts.MongoURI, opts.MongoDatabase, opts.MongoCollection)
	}
	return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
}

func tablesClientOptions() *aztables.ClientOptions {
	return &aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
}

// NewQueueClient builds a storage queue client with the service retry policy.
func NewQueueClient(connStr, queue string) (*azqueue.QueueClient, error) {
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	return azqueue.NewQueueClientFromConnectionString(connStr, queue, &queueClientOptions)
}
