// Package kvtest provides conformance tests for kv.Store implementations
package kvtest

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/unitedefi/resolver-backend/pkg/kv"
)

// StoreFactory creates a fresh Store instance for testing
type StoreFactory func(t *testing.T) kv.Store

// RunConformanceTests runs all conformance tests against a Store implementation
func RunConformanceTests(t *testing.T, factory StoreFactory) {
	t.Run("StringOperations", func(t *testing.T) {
		testStringOperations(t, factory)
	})
	t.Run("CompareAndSwap", func(t *testing.T) {
		testCompareAndSwap(t, factory)
	})
	t.Run("KeyOperations", func(t *testing.T) {
		testKeyOperations(t, factory)
	})
	t.Run("TTLOperations", func(t *testing.T) {
		testTTLOperations(t, factory)
	})
	t.Run("HashOperations", func(t *testing.T) {
		testHashOperations(t, factory)
	})
	t.Run("SetOperations", func(t *testing.T) {
		testSetOperations(t, factory)
	})
	t.Run("HealthCheck", func(t *testing.T) {
		testHealthCheck(t, factory)
	})
}

func testStringOperations(t *testing.T, factory StoreFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, store kv.Store)
	}{
		{"SetGet", testSetGet},
		{"GetNonExistent", testGetNonExistent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			tt.test(t, store)
		})
	}
}

func testSetGet(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:string"
	value := []byte("hello world")

	// Set value
	err := store.Set(ctx, key, value)
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Get value
	result, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !reflect.DeepEqual(result, value) {
		t.Fatalf("Expected %v, got %v", value, result)
	}
}

func testGetNonExistent(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:nonexistent"

	_, err := store.Get(ctx, key)
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func testCompareAndSwap(t *testing.T, factory StoreFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, store kv.Store)
	}{
		{"CreateIfAbsent", testCASCreateIfAbsent},
		{"SwapMatching", testCASSwapMatching},
		{"RejectStale", testCASRejectStale},
		{"RejectCreateOverExisting", testCASRejectCreateOverExisting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			tt.test(t, store)
		})
	}
}

func testCASCreateIfAbsent(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:cas-create"

	swapped, err := store.CompareAndSwap(ctx, key, nil, []byte("v1"))
	if err != nil {
		t.Fatalf("CompareAndSwap failed: %v", err)
	}
	if !swapped {
		t.Fatalf("Expected create-if-absent to swap")
	}

	value, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !reflect.DeepEqual(value, []byte("v1")) {
		t.Fatalf("Expected v1, got %v", value)
	}
}

func testCASSwapMatching(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:cas-swap"

	store.Set(ctx, key, []byte("v1"))

	swapped, err := store.CompareAndSwap(ctx, key, []byte("v1"), []byte("v2"))
	if err != nil {
		t.Fatalf("CompareAndSwap failed: %v", err)
	}
	if !swapped {
		t.Fatalf("Expected matching swap to succeed")
	}

	value, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !reflect.DeepEqual(value, []byte("v2")) {
		t.Fatalf("Expected v2, got %v", value)
	}
}

func testCASRejectStale(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:cas-stale"

	store.Set(ctx, key, []byte("v2"))

	swapped, err := store.CompareAndSwap(ctx, key, []byte("v1"), []byte("v3"))
	if err != nil {
		t.Fatalf("CompareAndSwap failed: %v", err)
	}
	if swapped {
		t.Fatalf("Expected stale swap to be rejected")
	}

	value, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !reflect.DeepEqual(value, []byte("v2")) {
		t.Fatalf("Expected value to be untouched, got %v", value)
	}
}

func testCASRejectCreateOverExisting(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:cas-existing"

	store.Set(ctx, key, []byte("v1"))

	swapped, err := store.CompareAndSwap(ctx, key, nil, []byte("v2"))
	if err != nil {
		t.Fatalf("CompareAndSwap failed: %v", err)
	}
	if swapped {
		t.Fatalf("Expected create-if-absent over existing key to be rejected")
	}
}

func testKeyOperations(t *testing.T, factory StoreFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, store kv.Store)
	}{
		{"Del", testDel},
		{"Exists", testExists},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			tt.test(t, store)
		})
	}
}

func testDel(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key1, key2 := "test:del1", "test:del2"
	value := []byte("test")

	// Set two keys
	store.Set(ctx, key1, value)
	store.Set(ctx, key2, value)

	// Delete one key
	deleted, err := store.Del(ctx, key1)
	if err != nil {
		t.Fatalf("Del failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("Expected 1 deleted, got %d", deleted)
	}

	// Verify key1 is gone, key2 remains
	_, err = store.Get(ctx, key1)
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for deleted key, got %v", err)
	}

	_, err = store.Get(ctx, key2)
	if err != nil {
		t.Fatalf("Expected key2 to still exist, got %v", err)
	}
}

func testExists(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:exists"
	value := []byte("test")

	// Key doesn't exist initially
	count, err := store.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("Expected 0 for non-existent key, got %d", count)
	}

	// Set key
	store.Set(ctx, key, value)

	// Key exists now
	count, err = store.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("Expected 1 for existing key, got %d", count)
	}
}

func testTTLOperations(t *testing.T, factory StoreFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, store kv.Store)
	}{
		{"SetWithTTL", testSetWithTTL},
		{"Expire", testExpire},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			tt.test(t, store)
		})
	}
}

func testSetWithTTL(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:ttl"
	value := []byte("expires")
	ttl := 100 * time.Millisecond

	// Set with TTL
	err := store.Set(ctx, key, value, ttl)
	if err != nil {
		t.Fatalf("Set with TTL failed: %v", err)
	}

	// Key should exist initially
	_, err = store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Expected key to exist initially, got %v", err)
	}

	// Wait for expiration
	time.Sleep(150 * time.Millisecond)

	// Key should be expired
	_, err = store.Get(ctx, key)
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Expected key to be expired, got %v", err)
	}
}

func testExpire(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:expire"
	value := []byte("test")

	// Set key without TTL
	store.Set(ctx, key, value)

	// Set expiration
	expired, err := store.Expire(ctx, key, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	if !expired {
		t.Fatalf("Expected Expire to return true for existing key")
	}

	// Wait for expiration
	time.Sleep(150 * time.Millisecond)

	// Key should be expired
	_, err = store.Get(ctx, key)
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Expected key to be expired, got %v", err)
	}
}

func testHashOperations(t *testing.T, factory StoreFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, store kv.Store)
	}{
		{"HSetGet", testHSetGet},
		{"HGetAll", testHGetAll},
		{"HDel", testHDel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			tt.test(t, store)
		})
	}
}

func testHSetGet(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:hash"
	field := "field1"
	value := []byte("value1")

	// Set hash field
	err := store.HSet(ctx, key, field, value)
	if err != nil {
		t.Fatalf("HSet failed: %v", err)
	}

	// Get hash field
	result, err := store.HGet(ctx, key, field)
	if err != nil {
		t.Fatalf("HGet failed: %v", err)
	}

	if !reflect.DeepEqual(result, value) {
		t.Fatalf("Expected %v, got %v", value, result)
	}

	// Get non-existent field
	_, err = store.HGet(ctx, key, "nonexistent")
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for non-existent field, got %v", err)
	}
}

func testHGetAll(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:hash-all"

	// Set multiple fields
	store.HSet(ctx, key, "field1", []byte("value1"))
	store.HSet(ctx, key, "field2", []byte("value2"))

	// Get all fields
	result, err := store.HGetAll(ctx, key)
	if err != nil {
		t.Fatalf("HGetAll failed: %v", err)
	}

	expected := map[string][]byte{
		"field1": []byte("value1"),
		"field2": []byte("value2"),
	}

	if !reflect.DeepEqual(result, expected) {
		t.Fatalf("Expected %v, got %v", expected, result)
	}

	// Get all for non-existent key
	_, err = store.HGetAll(ctx, "nonexistent")
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for non-existent key, got %v", err)
	}
}

func testHDel(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:hash-del"

	// Set fields
	store.HSet(ctx, key, "field1", []byte("value1"))
	store.HSet(ctx, key, "field2", []byte("value2"))

	// Delete one field
	deleted, err := store.HDel(ctx, key, "field1")
	if err != nil {
		t.Fatalf("HDel failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("Expected 1 deleted, got %d", deleted)
	}

	// Verify field1 is gone, field2 remains
	_, err = store.HGet(ctx, key, "field1")
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Expected field1 to be deleted")
	}

	_, err = store.HGet(ctx, key, "field2")
	if err != nil {
		t.Fatalf("Expected field2 to remain: %v", err)
	}
}

func testSetOperations(t *testing.T, factory StoreFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, store kv.Store)
	}{
		{"SAddMembers", testSAddMembers},
		{"SRem", testSRem},
		{"SIsMember", testSIsMember},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			tt.test(t, store)
		})
	}
}

func testSAddMembers(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:set"

	// Add members
	added, err := store.SAdd(ctx, key, []byte("member1"), []byte("member2"))
	if err != nil {
		t.Fatalf("SAdd failed: %v", err)
	}
	if added != 2 {
		t.Fatalf("Expected 2 added, got %d", added)
	}

	// Get members
	members, err := store.SMembers(ctx, key)
	if err != nil {
		t.Fatalf("SMembers failed: %v", err)
	}

	if len(members) != 2 {
		t.Fatalf("Expected 2 members, got %d", len(members))
	}

	// Add duplicate member
	added, err = store.SAdd(ctx, key, []byte("member1"))
	if err != nil {
		t.Fatalf("SAdd failed: %v", err)
	}
	if added != 0 {
		t.Fatalf("Expected 0 added for duplicate, got %d", added)
	}
}

func testSRem(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:set-rem"

	// Add members
	store.SAdd(ctx, key, []byte("member1"), []byte("member2"))

	// Remove member
	removed, err := store.SRem(ctx, key, []byte("member1"))
	if err != nil {
		t.Fatalf("SRem failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("Expected 1 removed, got %d", removed)
	}

	// Verify member is gone
	isMember, err := store.SIsMember(ctx, key, []byte("member1"))
	if err != nil {
		t.Fatalf("SIsMember failed: %v", err)
	}
	if isMember {
		t.Fatalf("Expected member1 to be removed")
	}
}

func testSIsMember(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:set-member"

	// Add member
	store.SAdd(ctx, key, []byte("member1"))

	// Check membership
	isMember, err := store.SIsMember(ctx, key, []byte("member1"))
	if err != nil {
		t.Fatalf("SIsMember failed: %v", err)
	}
	if !isMember {
		t.Fatalf("Expected member1 to be a member")
	}

	// Check non-member
	isMember, err = store.SIsMember(ctx, key, []byte("nonmember"))
	if err != nil {
		t.Fatalf("SIsMember failed: %v", err)
	}
	if isMember {
		t.Fatalf("Expected nonmember to not be a member")
	}
}

func testHealthCheck(t *testing.T, factory StoreFactory) {
	store := factory(t)
	defer store.Close()

	ctx := context.Background()

	// Ping should not error for healthy store
	err := store.Ping(ctx)
	if err != nil {
		t.Fatalf("Ping failed for healthy store: %v", err)
	}
}
