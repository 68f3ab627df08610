package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskqueue/taskqueue/internal/logger"
)

const (
	workerKeyPrefix     = "worker:"
	workerSetKey        = "workers:active"
	heartbeatKeySuffix  = ":heartbeat"
	workerInfoKeySuffix = ":info"
)

// Info is the liveness/status record a worker publishes for admin
// visibility.
type Info struct {
	ID            string    `json:"id"`
	Queues        []string  `json:"queues"`
	State         string    `json:"state"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	ActiveTasks   int       `json:"active_tasks"`
	Concurrency   int       `json:"concurrency"`
	Version       string    `json:"version,omitempty"`
}

// Heartbeat periodically publishes a Loop's liveness and activity to
// Redis so the admin API can enumerate and inspect running workers.
type Heartbeat struct {
	client   *redis.Client
	workerID string
	interval time.Duration
	timeout  time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	info     *Info
	infoMu   sync.RWMutex
}

// NewHeartbeat builds a Heartbeat for workerID.
func NewHeartbeat(client *redis.Client, workerID string, interval, timeout time.Duration) *Heartbeat {
	return &Heartbeat{
		client:   client,
		workerID: workerID,
		interval: interval,
		timeout:  timeout,
		stopCh:   make(chan struct{}),
		info: &Info{
			ID:        workerID,
			State:     "idle",
			StartedAt: time.Now().UTC(),
		},
	}
}

// Start begins the background heartbeat loop and registers the worker
// as active.
func (h *Heartbeat) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.heartbeatLoop(ctx)
	h.register(ctx)
	logger.Info().Str("worker_id", h.workerID).Dur("interval", h.interval).Msg("heartbeat started")
}

// Stop halts the heartbeat loop and deregisters the worker.
func (h *Heartbeat) Stop() {
	close(h.stopCh)
	h.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.deregister(ctx)
	logger.Info().Str("worker_id", h.workerID).Msg("heartbeat stopped")
}

// SetQueues records the queue list reported on the next heartbeat.
func (h *Heartbeat) SetQueues(queues []string) {
	h.infoMu.Lock()
	h.info.Queues = queues
	h.infoMu.Unlock()
}

// UpdateState records the worker's coarse state (idle/running/paused).
func (h *Heartbeat) UpdateState(state string) {
	h.infoMu.Lock()
	h.info.State = state
	h.infoMu.Unlock()
}

// UpdateActiveTasks records the current in-flight task count.
func (h *Heartbeat) UpdateActiveTasks(count int) {
	h.infoMu.Lock()
	h.info.ActiveTasks = count
	h.infoMu.Unlock()
}

// UpdateConcurrency records the configured concurrency limit.
func (h *Heartbeat) UpdateConcurrency(concurrency int) {
	h.infoMu.Lock()
	h.info.Concurrency = concurrency
	h.infoMu.Unlock()
}

func (h *Heartbeat) heartbeatLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.sendHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.sendHeartbeat(ctx)
		}
	}
}

func (h *Heartbeat) sendHeartbeat(ctx context.Context) {
	now := time.Now().UTC()
	if err := h.client.Set(ctx, h.heartbeatKey(), now.Unix(), h.timeout).Err(); err != nil {
		logger.Error().Err(err).Str("worker_id", h.workerID).Msg("failed to send heartbeat")
		return
	}

	h.infoMu.Lock()
	h.info.LastHeartbeat = now
	infoData, _ := json.Marshal(h.info)
	h.infoMu.Unlock()

	if err := h.client.Set(ctx, h.infoKey(), infoData, h.timeout*2).Err(); err != nil {
		logger.Error().Err(err).Str("worker_id", h.workerID).Msg("failed to update worker info")
	}
	h.client.SAdd(ctx, workerSetKey, h.workerID)
}

func (h *Heartbeat) register(ctx context.Context) {
	h.client.SAdd(ctx, workerSetKey, h.workerID)

	h.infoMu.Lock()
	h.info.StartedAt = time.Now().UTC()
	infoData, _ := json.Marshal(h.info)
	h.infoMu.Unlock()

	h.client.Set(ctx, h.infoKey(), infoData, h.timeout*2)
}

func (h *Heartbeat) deregister(ctx context.Context) {
	h.client.SRem(ctx, workerSetKey, h.workerID)
	h.client.Del(ctx, h.heartbeatKey(), h.infoKey())
}

func (h *Heartbeat) heartbeatKey() string {
	return fmt.Sprintf("%s%s%s", workerKeyPrefix, h.workerID, heartbeatKeySuffix)
}

func (h *Heartbeat) infoKey() string {
	return fmt.Sprintf("%s%s%s", workerKeyPrefix, h.workerID, workerInfoKeySuffix)
}

// GetActiveWorkers returns every currently registered worker's info,
// pruning set membership for entries whose info has expired.
func GetActiveWorkers(ctx context.Context, client *redis.Client) ([]Info, error) {
	ids, err := client.SMembers(ctx, workerSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("worker: get active workers: %w", err)
	}

	workers := make([]Info, 0, len(ids))
	for _, id := range ids {
		infoKey := fmt.Sprintf("%s%s%s", workerKeyPrefix, id, workerInfoKeySuffix)
		data, err := client.Get(ctx, infoKey).Bytes()
		if err == redis.Nil {
			client.SRem(ctx, workerSetKey, id)
			continue
		}
		if err != nil {
			continue
		}
		var info Info
		if err := json.Unmarshal(data, &info); err != nil {
			continue
		}
		workers = append(workers, info)
	}
	return workers, nil
}

// IsWorkerAlive reports whether workerID has sent a heartbeat within
// its configured timeout.
func IsWorkerAlive(ctx context.Context, client *redis.Client, workerID string) (bool, error) {
	exists, err := client.Exists(ctx, fmt.Sprintf("%s%s%s", workerKeyPrefix, workerID, heartbeatKeySuffix)).Result()
	if err != nil {
		return false, fmt.Errorf("worker: check heartbeat: %w", err)
	}
	return exists > 0, nil
}

// IsWorkerPaused reports whether workerID has been paused via the admin API.
func IsWorkerPaused(ctx context.Context, client *redis.Client, workerID string) (bool, error) {
	exists, err := client.Exists(ctx, fmt.Sprintf("%s%s:paused", workerKeyPrefix, workerID)).Result()
	if err != nil {
		return false, fmt.Errorf("worker: check pause status: %w", err)
	}
	return exists > 0, nil
}
