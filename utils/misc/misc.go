package misc

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
)

func FastUUID() uuid.UUID {
	return uuid.New()
}

// SleepCtx sleeps for the given duration or until the context is canceled.
//
//	the context error is returned if context is canceled.
func SleepCtx(ctx context.Context, delay time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// GenerateWorkerID returns a worker identity of the form host-pid-randomN.
// Each call draws a fresh random suffix; the manager generates one at
// construction and keeps it for the life of the process.
func GenerateWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d-%06d", hostname, os.Getpid(), rand.Intn(1000000))
}
