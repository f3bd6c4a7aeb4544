// Package locks provides distributed locking using the Redlock algorithm
// implementation from go-redsync/redsync/v4.
//
// The token accessor uses it so that replicas sharing one token store do not
// refresh the same credential at the same time.
package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"

	"connector-hub/internal/common/errors"
	"connector-hub/internal/common/logging"
	"connector-hub/internal/redis"
)

// DefaultRefreshLockExpiry covers two token endpoint calls at their 10 second timeout.
const DefaultRefreshLockExpiry = 30 * time.Second

// Lock is a held distributed lock.
type Lock interface {
	// Key returns the unique identifier for this lock.
	Key() string

	// Release stops renewal and removes the lock from Redis.
	Release(ctx context.Context) error

	// IsHeld reports whether this instance still owns the lock.
	IsHeld() bool
}

// RedsyncManager hands out redsync mutexes and keeps them alive until released.
type RedsyncManager struct {
	redsync    *redsync.Redsync
	localLocks map[string]*RedsyncLock
	mutex      sync.RWMutex
	expiry     time.Duration
	logger     logging.Logger
}

// RedsyncLock wraps a redsync.Mutex and renews it in the background.
type RedsyncLock struct {
	mutex      *redsync.Mutex
	key        string
	expiration time.Duration
	acquired   time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	manager    *RedsyncManager
	once       sync.Once
}

// NewRedsyncManager creates a lock manager over a connected Redis client.
//
// Example:
//
//	redisClient, err := redis.NewClient(&redis.Config{Address: "localhost:6379"})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	manager, err := locks.NewRedsyncManager(redisClient)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer manager.Close()
func NewRedsyncManager(redisClient *redis.Client) (*RedsyncManager, error) {
	if redisClient == nil {
		return nil, errors.ConfigError("redis client is required")
	}

	pool := goredis.NewPool(redisClient.GetGoRedisClient())

	return &RedsyncManager{
		redsync:    redsync.New(pool),
		localLocks: make(map[string]*RedsyncLock),
		expiry:     DefaultRefreshLockExpiry,
		logger:     logging.GetGlobalLogger().WithFields(logging.Field{"component", "locks"}),
	}, nil
}

// AcquireLock blocks until key is locked or ctx is done. The lock is
// renewed at a third of expiration until it is released.
func (rm *RedsyncManager) AcquireLock(ctx context.Context, key string, expiration time.Duration) (Lock, error) {
	mutex := rm.redsync.NewMutex(fmt.Sprintf("lock:%s", key), redsync.WithExpiry(expiration))

	if err := mutex.LockContext(ctx); err != nil {
		return nil, errors.InternalError("failed to acquire distributed lock", err).WithContext("key", key)
	}

	lockCtx, cancel := context.WithCancel(context.Background())
	lock := &RedsyncLock{
		mutex:      mutex,
		key:        key,
		expiration: expiration,
		acquired:   time.Now(),
		ctx:        lockCtx,
		cancel:     cancel,
		manager:    rm,
	}

	rm.mutex.Lock()
	rm.localLocks[key] = lock
	rm.mutex.Unlock()

	go rm.renewLock(lock)

	return lock, nil
}

// Acquire takes the lock name with the manager's default expiry and returns
// its release function. It satisfies oauth2.RefreshLocker.
func (rm *RedsyncManager) Acquire(ctx context.Context, name string) (func(), error) {
	lock, err := rm.AcquireLock(ctx, name, rm.expiry)
	if err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(ctx); err != nil {
			rm.logger.Warn("Failed to release lock", logging.Field{"key", name}, logging.Err(err))
		}
	}, nil
}

func (rm *RedsyncManager) renewLock(lock *RedsyncLock) {
	renewInterval := lock.expiration / 3
	if renewInterval < time.Second {
		renewInterval = time.Second
	}

	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lock.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ok, err := lock.mutex.ExtendContext(ctx)
			cancel()

			if err != nil || !ok {
				rm.logger.Warn("Lost distributed lock", logging.Field{"key", lock.key}, logging.Field{"held_for", time.Since(lock.acquired).String()})
				rm.forget(lock)
				lock.cancel()
				return
			}
		}
	}
}

func (rm *RedsyncManager) forget(lock *RedsyncLock) {
	rm.mutex.Lock()
	if rm.localLocks[lock.key] == lock {
		delete(rm.localLocks, lock.key)
	}
	rm.mutex.Unlock()
}

// Close releases every lock still held by this manager.
func (rm *RedsyncManager) Close() error {
	rm.mutex.Lock()
	held := make([]*RedsyncLock, 0, len(rm.localLocks))
	for _, lock := range rm.localLocks {
		held = append(held, lock)
	}
	rm.mutex.Unlock()

	for _, lock := range held {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = lock.Release(ctx)
		cancel()
	}
	return nil
}

// Key returns the unique identifier for this lock.
func (rl *RedsyncLock) Key() string {
	return rl.key
}

// Release stops renewal and unlocks the mutex. Calling it twice is a no-op.
func (rl *RedsyncLock) Release(ctx context.Context) error {
	var err error
	rl.once.Do(func() {
		rl.cancel()
		rl.manager.forget(rl)

		var ok bool
		ok, err = rl.mutex.UnlockContext(ctx)
		if err == nil && !ok {
			err = fmt.Errorf("lock %s was no longer held", rl.key)
		}
	})
	return err
}

// IsHeld returns true if the lock is currently held by this instance.
func (rl *RedsyncLock) IsHeld() bool {
	select {
	case <-rl.ctx.Done():
		return false
	default:
		return true
	}
}
