package activitypub

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/glypto/glyptodon/db"
	"github.com/glypto/glyptodon/domain"
	"github.com/glypto/glyptodon/util"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	deliveryTimeout   = 30 * time.Second
	queueTick         = 10 * time.Second
	queueBatchSize    = 100
	housekeepingTick  = time.Hour
	backoffJitterFrac = 0.25
)

// Dispatcher owns the outbound delivery queue. Deliveries to distinct
// destinations run in parallel up to the configured worker bound;
// deliveries to the same destination are strictly serialized in job
// creation order.
type Dispatcher struct {
	db     *db.DB
	keys   *KeyStore
	conf   *util.AppConfig
	client *http.Client
	clock  clock.Clock
	sem    *semaphore.Weighted

	mu         sync.Mutex
	inflight   map[string]bool                   // destination endpoints being worked
	attempting map[attemptKey]context.CancelFunc // in-flight attempts
	stop       chan struct{}
}

// attemptKey identifies one in-flight delivery attempt. The same
// activity can be mid-flight to several destinations at once.
type attemptKey struct {
	activityURI string
	inboxURI    string
}

func NewDispatcher(database *db.DB, keys *KeyStore, conf *util.AppConfig) *Dispatcher {
	return &Dispatcher{
		db:         database,
		keys:       keys,
		conf:       conf,
		client:     &http.Client{Timeout: deliveryTimeout},
		clock:      clock.New(),
		sem:        semaphore.NewWeighted(conf.Federation.DeliveryWorkers),
		inflight:   make(map[string]bool),
		attempting: make(map[attemptKey]context.CancelFunc),
		stop:       make(chan struct{}),
	}
}

// Deliver fans an activity out to the given recipients, collapsing
// recipients that advertise the same endpoint (shared inbox) into one
// delivery job each.
func (d *Dispatcher) Deliver(activity *Activity, signingActorURI string, recipients []*domain.RemoteActor) error {
	payload, err := activity.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}

	endpoints := make(map[string]bool)
	for _, recipient := range recipients {
		endpoint := recipient.Endpoint()
		if endpoint == "" || endpoints[endpoint] {
			continue
		}
		endpoints[endpoint] = true
	}

	now := d.clock.Now()
	for endpoint := range endpoints {
		item := &domain.DeliveryQueueItem{
			Id:           uuid.New(),
			ActivityURI:  activity.ID,
			ActorURI:     signingActorURI,
			InboxURI:     endpoint,
			ActivityJSON: string(payload),
			Attempts:     0,
			NextRetryAt:  now,
			CreatedAt:    now,
		}
		if err := d.db.EnqueueDelivery(item); err != nil {
			log.Printf("Delivery: Failed to queue %s for %s: %v", activity.ID, endpoint, err)
		}
	}

	log.Printf("Delivery: Queued %s to %d endpoints", activity.ID, len(endpoints))
	return nil
}

// Supersede cancels every in-flight attempt for the activity and drops
// its remaining queued deliveries, used when the activity no longer
// applies (e.g. the underlying object was deleted).
func (d *Dispatcher) Supersede(activityURI string) error {
	d.mu.Lock()
	for key, cancel := range d.attempting {
		if key.activityURI == activityURI {
			cancel()
		}
	}
	d.mu.Unlock()
	return d.db.DeleteDeliveriesByActivityURI(activityURI)
}

// Start runs the queue worker until Stop is called.
func (d *Dispatcher) Start() {
	log.Println("Starting delivery worker...")

	go func() {
		ticker := d.clock.Ticker(queueTick)
		housekeeping := d.clock.Ticker(housekeepingTick)
		defer ticker.Stop()
		defer housekeeping.Stop()
		for {
			select {
			case <-d.stop:
				return
			case <-ticker.C:
				d.processQueue()
			case <-housekeeping.C:
				d.pruneLedger()
			}
		}
	}()
}

func (d *Dispatcher) Stop() {
	close(d.stop)
}

func (d *Dispatcher) processQueue() {
	err, items := d.db.ReadDueDeliveries(d.clock.Now(), queueBatchSize)
	if err != nil {
		log.Printf("Delivery: Failed to read queue: %v", err)
		return
	}
	if items == nil || len(*items) == 0 {
		return
	}

	// Group by destination, preserving per-destination creation order.
	byDest := make(map[string][]domain.DeliveryQueueItem)
	var order []string
	for _, item := range *items {
		if _, seen := byDest[item.InboxURI]; !seen {
			order = append(order, item.InboxURI)
		}
		byDest[item.InboxURI] = append(byDest[item.InboxURI], item)
	}

	for _, dest := range order {
		d.mu.Lock()
		busy := d.inflight[dest]
		if !busy {
			d.inflight[dest] = true
		}
		d.mu.Unlock()
		if busy {
			continue
		}

		if !d.sem.TryAcquire(1) {
			// Worker pool exhausted; the next tick picks this up.
			d.mu.Lock()
			delete(d.inflight, dest)
			d.mu.Unlock()
			return
		}

		go d.processDestination(dest, byDest[dest])
	}
}

// processDestination delivers a destination's due jobs one at a time. A
// retryable failure stops the run so later jobs keep their order behind
// the failed one.
func (d *Dispatcher) processDestination(dest string, items []domain.DeliveryQueueItem) {
	defer func() {
		d.sem.Release(1)
		d.mu.Lock()
		delete(d.inflight, dest)
		d.mu.Unlock()
	}()

	for _, item := range items {
		err, retryable := d.attempt(&item)
		if err == nil {
			log.Printf("Delivery: Delivered %s to %s", item.ActivityURI, dest)
			d.db.DeleteDelivery(item.Id)
			continue
		}

		if !retryable {
			log.Printf("Delivery: Permanent failure delivering %s to %s, discarding: %v", item.ActivityURI, dest, err)
			d.db.DeleteDelivery(item.Id)
			continue
		}

		item.Attempts++
		if item.Attempts >= d.conf.Federation.MaxAttempts {
			log.Printf("Delivery: Giving up on %s after %d attempts: %v", dest, item.Attempts, err)
			d.db.DeleteDelivery(item.Id)
		} else {
			delay := d.backoff(item.Attempts)
			log.Printf("Delivery: Attempt %d to %s failed, retry in %s: %v", item.Attempts, dest, delay, err)
			d.db.UpdateDeliveryAttempt(item.Id, item.Attempts, d.clock.Now().Add(delay))
		}
		return
	}
}

// attempt signs and posts one delivery. The second return reports whether
// the failure is retryable: timeouts, 429 and 5xx are; other 4xx are not.
func (d *Dispatcher) attempt(item *domain.DeliveryQueueItem) (error, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	key := attemptKey{activityURI: item.ActivityURI, inboxURI: item.InboxURI}
	d.mu.Lock()
	d.attempting[key] = cancel
	d.mu.Unlock()
	defer func() {
		cancel()
		d.mu.Lock()
		delete(d.attempting, key)
		d.mu.Unlock()
	}()

	body := []byte(item.ActivityJSON)
	req, err := http.NewRequestWithContext(ctx, "POST", item.InboxURI, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err), false
	}

	req.Header.Set("Content-Type", activityJSONMedia)
	req.Header.Set("Accept", activityJSONMedia)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	privateKey, keyId, err := d.keys.LocalSigner(item.ActorURI)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err), false
	}
	if err := SignRequest(req, privateKey, keyId, body); err != nil {
		return fmt.Errorf("failed to sign request: %w", err), false
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err, true
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil, false
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("remote returned status %d", resp.StatusCode), true
	default:
		return fmt.Errorf("remote returned status %d", resp.StatusCode), false
	}
}

// backoff computes the exponential retry delay with jitter for the given
// attempt count.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	base := time.Duration(d.conf.Federation.BackoffBaseSecs) * time.Second
	delay := base << (attempts - 1)
	jitter := time.Duration((rand.Float64()*2 - 1) * backoffJitterFrac * float64(delay))
	return delay + jitter
}

func (d *Dispatcher) pruneLedger() {
	cutoff := d.clock.Now().AddDate(0, 0, -d.conf.Federation.SeenRetentionDays)
	if err := d.db.PruneActivitiesBefore(cutoff); err != nil {
		log.Printf("Delivery: Failed to prune activity ledger: %v", err)
	}
}
