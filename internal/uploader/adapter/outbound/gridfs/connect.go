package gridfs

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.mongodb.org/mongo-driver/v2/x/mongo/driver/connstring"

	"github.com/anthanhphan/gridfs-upload/internal/uploader/domain"
	"github.com/anthanhphan/gosdk/logger"
)

// DefaultDatabase is used when neither the options nor the URL name one.
const DefaultDatabase = "test"

// Options tune how Connect dials MongoDB.
type Options struct {
	Database       string
	AppName        string
	ConnectTimeout time.Duration
}

// Connect dials uri and pings the primary before returning the store.
func Connect(ctx context.Context, uri string, opts Options) (*Store, error) {
	cs, err := connstring.ParseAndValidate(uri)
	if err != nil {
		return nil, domain.ConfigError("invalid storage url: %v", err)
	}

	database := opts.Database
	if database == "" {
		database = cs.Database
	}
	if database == "" {
		database = DefaultDatabase
	}

	clientOpts := options.Client().ApplyURI(uri)
	if opts.AppName != "" {
		clientOpts.SetAppName(opts.AppName)
	}
	if opts.ConnectTimeout > 0 {
		clientOpts.SetConnectTimeout(opts.ConnectTimeout)
		clientOpts.SetServerSelectionTimeout(opts.ConnectTimeout)
	}

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, err
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if dErr := client.Disconnect(disconnectCtx); dErr != nil {
			logger.Warnw("Disconnect after failed ping", "error", dErr.Error())
		}
		return nil, err
	}

	logger.Infow("Connected to GridFS storage", "hosts", cs.Hosts, "database", database)
	return NewStore(client, database), nil
}
