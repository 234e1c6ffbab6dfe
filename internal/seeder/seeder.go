package seeder

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/vnmchuo/pm-dashboard/internal/auth"
)

const (
	TestToken    = "test-session-token-12345"
	TestUsername = "pm-demo"
)

// SeedTestIdentity creates a demo user for local development.
func SeedTestIdentity(ctx context.Context, store auth.Store) {
	identity := &auth.Identity{
		Username:  TestUsername,
		TokenHash: auth.HashToken(TestToken),
		Active:    true,
	}

	err := store.Create(ctx, identity)
	if err != nil {
		klog.Warningf("[Seeder] Identity may already exist, skipping: %v", err)
		return
	}
	klog.Infof("[Seeder] Test identity created successfully")
	klog.Infof("[Seeder] Token: %s", TestToken)
	klog.Infof("[Seeder] Username: %s", TestUsername)
}
