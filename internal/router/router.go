// Package router maps lifecycle status to a storage partition and drives
// document relocation when a thread crosses partitions.
package router

import (
	"context"
	"fmt"
	"strings"

	"handoff/internal/domain"
	"handoff/internal/storage"
)

// Storage partitions a thread's documents can live in.
const (
	PartitionReceived  = "received"
	PartitionExecuting = "executing"
	PartitionFinished  = "finished"
	PartitionCanceled  = "canceled"
)

// Partitions lists every partition in scan order.
var Partitions = []string{PartitionReceived, PartitionExecuting, PartitionFinished, PartitionCanceled}

var statusPartitions = map[string]string{
	domain.StatusPending:           PartitionReceived,
	domain.StatusClaimed:           PartitionExecuting,
	domain.StatusInProgress:        PartitionExecuting,
	domain.StatusWaiting:           PartitionExecuting,
	domain.StatusHeld:              PartitionExecuting,
	domain.StatusNeedsInput:        PartitionExecuting,
	domain.StatusNeedsConfirmation: PartitionExecuting,
	domain.StatusCompleted:         PartitionFinished,
	domain.StatusPartial:           PartitionFinished,
	domain.StatusFailed:            PartitionCanceled,
	domain.StatusDeclined:          PartitionCanceled,
	domain.StatusCancelled:         PartitionCanceled,
	domain.StatusExpired:           PartitionCanceled,
	domain.StatusDelegated:         PartitionCanceled,
	domain.StatusSuperseded:        PartitionCanceled,
}

// PartitionFor is total: unrecognized statuses route to the received
// partition rather than failing, so a foreign document with a status this
// build does not know still has a home.
func PartitionFor(status string) string {
	if p, ok := statusPartitions[status]; ok {
		return p
	}
	return PartitionReceived
}

// ThreadPrefix is the key prefix for a thread's document set.
func ThreadPrefix(partition, ref string) string {
	return fmt.Sprintf("threads/%s/%s/", partition, ref)
}

// FlatKey is the legacy single-file location for a thread.
func FlatKey(partition, ref string) string {
	return fmt.Sprintf("threads/%s/%s.yaml", partition, ref)
}

// Relocate moves a thread's full document set between partitions,
// writing every blob to the destination before deleting any source key.
// A crash mid-relocation leaves the thread duplicated and readable,
// never lost.
func Relocate(ctx context.Context, b storage.Backend, ref, from, to string) error {
	if from == to {
		return nil
	}
	srcPrefix := ThreadPrefix(from, ref)
	dstPrefix := ThreadPrefix(to, ref)
	keys, err := b.List(ctx, srcPrefix)
	if err != nil {
		return err
	}
	if content, found, err := b.Get(ctx, FlatKey(from, ref)); err != nil {
		return err
	} else if found {
		if err := b.Put(ctx, FlatKey(to, ref), content); err != nil {
			return err
		}
		keys = append(keys, FlatKey(from, ref))
	}
	for _, key := range keys {
		if key == FlatKey(from, ref) {
			continue
		}
		content, found, err := b.Get(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if err := b.Put(ctx, dstPrefix+strings.TrimPrefix(key, srcPrefix), content); err != nil {
			return err
		}
	}
	// Write phase complete; now remove the source copies.
	for _, key := range keys {
		if err := b.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
