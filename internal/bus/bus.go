// Package bus fans out swap lifecycle events to in-process subscribers.
// Publishing never blocks the nursery: delivery uses event feeds that drop
// into per-subscriber channels.
package bus

import (
	"github.com/ethereum/go-ethereum/event"

	"github.com/klingon-exchange/swapd/internal/swap"
)

// Update is one status transition of a swap.
type Update struct {
	ID        string
	IsReverse bool
	Status    swap.Status

	// Transaction is set when the transition was driven by an on-chain
	// transaction sighting.
	Transaction *swap.TransactionInfo

	// FailureReason is set on failure statuses.
	FailureReason string
}

// Result reports a swap reaching a terminal status.
type Result struct {
	ID            string
	IsReverse     bool
	Status        swap.Status
	Success       bool
	FailureReason string
}

// Bus is the process-wide event hub.
type Bus struct {
	updates event.FeedOf[Update]
	results event.FeedOf[Result]
	backups event.FeedOf[[]byte]
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// PublishUpdate broadcasts a status transition.
func (b *Bus) PublishUpdate(update Update) {
	b.updates.Send(update)
}

// SubscribeUpdates delivers every status transition to ch until the returned
// subscription is cancelled.
func (b *Bus) SubscribeUpdates(ch chan<- Update) event.Subscription {
	return b.updates.Subscribe(ch)
}

// PublishResult broadcasts a terminal outcome.
func (b *Bus) PublishResult(result Result) {
	b.results.Send(result)
}

// SubscribeResults delivers terminal outcomes to ch.
func (b *Bus) SubscribeResults(ch chan<- Result) event.Subscription {
	return b.results.Subscribe(ch)
}

// PublishBackup broadcasts an updated static channel backup.
func (b *Bus) PublishBackup(backup []byte) {
	b.backups.Send(backup)
}

// SubscribeBackups delivers channel backup payloads to ch.
func (b *Bus) SubscribeBackups(ch chan<- []byte) event.Subscription {
	return b.backups.Subscribe(ch)
}
