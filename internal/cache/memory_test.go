package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreTTL(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewMemoryStore().WithNow(func() time.Time { return now })
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if v, ok, _ := s.Get(ctx, "k"); !ok || string(v) != "v" {
		t.Fatalf("Get = %q, %v", v, ok)
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Error("expired entry returned")
	}
	if s.Len() != 0 {
		t.Error("expired entry not evicted on read")
	}
}

func TestMemoryStoreNoExpiry(t *testing.T) {
	now := time.Unix(0, 0)
	s := NewMemoryStore().WithNow(func() time.Time { return now })
	ctx := context.Background()
	_ = s.Set(ctx, "k", []byte("v"), 0)
	now = now.Add(24 * time.Hour)
	if _, ok, _ := s.Get(ctx, "k"); !ok {
		t.Error("ttl 0 should not expire")
	}
}

func TestJSONHelpers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	type entry struct {
		Honeypot bool   `json:"honeypot"`
		Tax      string `json:"tax"`
	}
	if err := SetJSON(ctx, s, "tok", entry{Honeypot: true, Tax: "0.05"}, time.Minute); err != nil {
		t.Fatal(err)
	}
	var got entry
	found, err := GetJSON(ctx, s, "tok", &got)
	if err != nil || !found || !got.Honeypot || got.Tax != "0.05" {
		t.Errorf("GetJSON = %+v, %v, %v", got, found, err)
	}

	_ = s.Set(ctx, "bad", []byte("{not json"), time.Minute)
	found, err = GetJSON(ctx, s, "bad", &got)
	if found || err != nil {
		t.Errorf("corrupt entry: found=%v err=%v", found, err)
	}
	if _, ok, _ := s.Get(ctx, "bad"); ok {
		t.Error("corrupt entry not deleted")
	}
}
