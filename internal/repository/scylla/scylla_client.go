package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"qrorder-auth/internal/config"
	"qrorder-auth/internal/util"
)

// PreparedStatements holds the statements used by the customer repository
type PreparedStatements struct {
	CreateCustomer       *gocql.Query
	ClaimPhone           *gocql.Query
	GetCustomerByID      *gocql.Query
	GetCustomerIDByPhone *gocql.Query
	DeleteCustomer       *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg config.ScyllaConfig) (*ScyllaClient, error) {
	cluster := gocql.NewCluster(cfg.Nodes...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if cfg.CAFile != "" {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 cfg.CAFile,
			EnableHostVerification: true,
		}
	}

	if cfg.Username != "" && cfg.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  cfg,
	}

	if err := client.ensureSchema(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", cfg.Nodes),
		zap.String("keyspace", cfg.Keyspace))

	return client, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS customers (
        customer_bucket int,
        customer_id text,
        store_id text,
        phone_hash text,
        phone_encrypted text,
        phone_dek text,
        phone_key_id text,
        name text,
        created_at timestamp,
        updated_at timestamp,
        PRIMARY KEY ((customer_bucket), customer_id)
    )`,
	`CREATE TABLE IF NOT EXISTS phone_to_customer (
        phone_hash text PRIMARY KEY,
        customer_bucket int,
        customer_id text,
        created_at timestamp
    )`,
}

func (s *ScyllaClient) ensureSchema() error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.CreateCustomer = s.Session.Query(`
        INSERT INTO customers (
            customer_bucket, customer_id, store_id, phone_hash, phone_encrypted,
            phone_dek, phone_key_id, name, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.ClaimPhone = s.Session.Query(`
        INSERT INTO phone_to_customer (phone_hash, customer_bucket, customer_id, created_at)
        VALUES (?, ?, ?, ?) IF NOT EXISTS`)

	prepared.GetCustomerByID = s.Session.Query(`
        SELECT customer_bucket, customer_id, store_id, phone_hash, phone_encrypted,
            phone_dek, phone_key_id, name, created_at
        FROM customers WHERE customer_bucket = ? AND customer_id = ?`)

	prepared.GetCustomerIDByPhone = s.Session.Query(`
        SELECT customer_bucket, customer_id FROM phone_to_customer WHERE phone_hash = ?`)

	prepared.DeleteCustomer = s.Session.Query(`
        DELETE FROM customers WHERE customer_bucket = ? AND customer_id = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created successfully")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			if err == gocql.ErrNotFound {
				return err
			}
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
