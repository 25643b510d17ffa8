package scylla

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"qrorder-auth/internal/bucketing"
	"qrorder-auth/internal/config"
	"qrorder-auth/internal/encryption"
	"qrorder-auth/internal/hashing"
	"qrorder-auth/internal/repository"
)

func newTestRepository(t *testing.T) *CustomerRepository {
	t.Helper()
	nodes := os.Getenv("SCYLLA_TEST_NODES")
	if nodes == "" {
		t.Skip("skipping scylla tests: SCYLLA_TEST_NODES not set")
	}
	keyspace := os.Getenv("SCYLLA_TEST_KEYSPACE")
	if keyspace == "" {
		keyspace = "qrorder_test"
	}

	client, err := NewScyllaClient(config.ScyllaConfig{Nodes: strings.Split(nodes, ","), Keyspace: keyspace})
	if err != nil {
		t.Skipf("skipping scylla tests: %v", err)
	}
	t.Cleanup(client.Close)

	return NewCustomerRepository(
		client,
		hashing.NewHasher(config.HashingConfig{Pepper: "scylla-test"}),
		encryption.NewEncryptionManager(config.KMSConfig{}, nil),
		bucketing.NewBucketingManager(config.BucketingConfig{CustomerBuckets: 8, EventBuckets: 1}),
	)
}

func TestCustomerRepositoryCreateAndFind(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	store := "store-" + uuid.NewString()[:8]
	phone := "+5511999999999"

	if _, err := repo.FindCustomerByPhone(ctx, store, phone); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	created, err := repo.CreateCustomer(ctx, store, phone)
	if err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}
	found, err := repo.FindCustomerByPhone(ctx, store, phone)
	if err != nil {
		t.Fatalf("FindCustomerByPhone: %v", err)
	}
	if found.CustomerID != created.CustomerID || found.Phone != phone || found.PhoneEncrypted == phone {
		t.Fatalf("unexpected customer: %+v", found)
	}

	// Same phone in another store is a different customer.
	if _, err := repo.FindCustomerByPhone(ctx, store+"-other", phone); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("phone leaked across stores: %v", err)
	}
}

func TestCustomerRepositoryConcurrentCreate(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	store := "store-" + uuid.NewString()[:8]

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.CreateCustomer(ctx, store, "+5511988887777")
			switch {
			case err == nil:
				mu.Lock()
				created++
				mu.Unlock()
			case !errors.Is(err, repository.ErrAlreadyExists):
				t.Errorf("CreateCustomer: %v", err)
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Fatalf("%d creations won, want 1", created)
	}
}
