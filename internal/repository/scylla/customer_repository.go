package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"qrorder-auth/internal/bucketing"
	"qrorder-auth/internal/encryption"
	"qrorder-auth/internal/hashing"
	"qrorder-auth/internal/models"
	"qrorder-auth/internal/repository"
	"qrorder-auth/internal/util"
)

// CustomerRepository is the customer directory on ScyllaDB. Phones are
// stored encrypted and looked up by a keyed digest scoped to the store.
type CustomerRepository struct {
	client     *ScyllaClient
	hasher     *hashing.Hasher
	encryption *encryption.EncryptionManager
	buckets    *bucketing.BucketingManager
}

func NewCustomerRepository(
	client *ScyllaClient,
	hasher *hashing.Hasher,
	encryptionMgr *encryption.EncryptionManager,
	bucketingMgr *bucketing.BucketingManager,
) *CustomerRepository {
	return &CustomerRepository{
		client:     client,
		hasher:     hasher,
		encryption: encryptionMgr,
		buckets:    bucketingMgr,
	}
}

func (r *CustomerRepository) phoneHash(storeID, phone string) string {
	return r.hasher.Digest("customer_phone", storeID, phone)
}

func (r *CustomerRepository) FindCustomerByPhone(ctx context.Context, storeID, phone string) (*models.Customer, error) {
	var (
		bucket     int
		customerID string
	)
	query := r.client.Query(r.client.Prepared.GetCustomerIDByPhone.Statement(), r.phoneHash(storeID, phone)).WithContext(ctx)
	if err := r.client.ScanWithRetry(query, &bucket, &customerID); err != nil {
		if err == gocql.ErrNotFound {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to look up customer by phone",
			util.Phone("phone", phone),
			zap.String("store_id", storeID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to look up customer by phone: %w", err)
	}

	return r.getCustomer(ctx, bucket, customerID)
}

func (r *CustomerRepository) getCustomer(ctx context.Context, bucket int, customerID string) (*models.Customer, error) {
	c := &models.Customer{}
	query := r.client.Query(r.client.Prepared.GetCustomerByID.Statement(), bucket, customerID).WithContext(ctx)
	err := r.client.ScanWithRetry(query,
		&c.CustomerBucket, &c.CustomerID, &c.StoreID, &c.PhoneHash, &c.PhoneEncrypted,
		&c.PhoneDEK, &c.PhoneKeyID, &c.Name, &c.CreatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to get customer",
			zap.String("customer_id", customerID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}

	phone, err := r.encryption.DecryptField(ctx, &encryption.EncryptedData{
		EncryptedValue: c.PhoneEncrypted,
		EncryptedDEK:   c.PhoneDEK,
		KeyID:          c.PhoneKeyID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt customer phone: %w", err)
	}
	c.Phone = phone
	return c, nil
}

// CreateCustomer writes the customer row, then claims the phone with a
// lightweight transaction. A lost claim removes the row and reports
// ErrAlreadyExists, so a phone mapping always points at a stored customer.
func (r *CustomerRepository) CreateCustomer(ctx context.Context, storeID, phone string) (*models.Customer, error) {
	sealed, err := r.encryption.EncryptField(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt phone: %w", err)
	}

	now := time.Now().UTC()
	c := &models.Customer{
		CustomerID:     uuid.NewString(),
		StoreID:        storeID,
		Phone:          phone,
		PhoneHash:      r.phoneHash(storeID, phone),
		PhoneEncrypted: sealed.EncryptedValue,
		PhoneDEK:       sealed.EncryptedDEK,
		PhoneKeyID:     sealed.KeyID,
		CreatedAt:      now,
	}
	c.CustomerBucket = r.buckets.CustomerBucket(c.CustomerID)

	insert := r.client.Query(r.client.Prepared.CreateCustomer.Statement(),
		c.CustomerBucket, c.CustomerID, c.StoreID, c.PhoneHash, c.PhoneEncrypted,
		c.PhoneDEK, c.PhoneKeyID, c.Name, c.CreatedAt, now).WithContext(ctx)
	if err := r.client.ExecuteWithRetry(insert, 2); err != nil {
		util.Error("Failed to create customer",
			zap.String("customer_id", c.CustomerID),
			zap.String("store_id", storeID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}

	existing := map[string]interface{}{}
	applied, err := r.client.Query(r.client.Prepared.ClaimPhone.Statement(),
		c.PhoneHash, c.CustomerBucket, c.CustomerID, now).WithContext(ctx).MapScanCAS(existing)
	if err != nil || !applied {
		r.removeOrphan(ctx, c)
		if err != nil {
			util.Error("Failed to claim customer phone",
				util.Phone("phone", phone),
				zap.String("store_id", storeID),
				zap.Error(err))
			return nil, fmt.Errorf("failed to claim customer phone: %w", err)
		}
		util.Debug("Customer phone already claimed",
			util.Phone("phone", phone),
			zap.Any("customer_id", existing["customer_id"]))
		return nil, repository.ErrAlreadyExists
	}

	util.Info("Customer created",
		zap.String("customer_id", c.CustomerID),
		zap.String("store_id", storeID),
		zap.Int("bucket", c.CustomerBucket))
	return c, nil
}

func (r *CustomerRepository) removeOrphan(ctx context.Context, c *models.Customer) {
	del := r.client.Query(r.client.Prepared.DeleteCustomer.Statement(), c.CustomerBucket, c.CustomerID).WithContext(ctx)
	if err := del.Exec(); err != nil {
		util.Warn("Failed to remove unclaimed customer row",
			zap.String("customer_id", c.CustomerID),
			zap.Error(err))
	}
}

func (r *CustomerRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}
