package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"vaultline/internal/config"
	"vaultline/internal/domain"
	"vaultline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	maxWebhookRetryWindow  = 15 * time.Second
)

// ledgerCursor marks a position in the date-partitioned ledger: the
// partition key plus how many entries of it have been delivered.
type ledgerCursor struct {
	partition string
	offset    int
}

type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]ledgerCursor
}

func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 || e.Ledger == nil {
		return
	}
	d := &webhookDispatcher{
		engine:   e,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]ledgerCursor),
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll() {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	partitions, err := d.engine.Ledger.Partitions()
	if err != nil {
		log.Printf("webhook: list ledger partitions: %v", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, part := range partitions {
		if part < cursor.partition {
			continue
		}
		entries, err := d.engine.Ledger.Read(part)
		if err != nil {
			log.Printf("webhook: read ledger %s: %v", part, err)
			return
		}
		offset := 0
		if part == cursor.partition {
			offset = cursor.offset
		}
		for i := offset; i < len(entries); i++ {
			next := ledgerCursor{partition: part, offset: i + 1}
			if !filter.match(entries[i].ActionType) {
				d.setCursor(idx, next)
				continue
			}
			if err := d.postEvent(ctx, hook, part, i, entries[i]); err != nil {
				log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
				return
			}
			d.setCursor(idx, next)
		}
	}
}

// cursorFor initializes a hook at the current end of the ledger, so a
// freshly started server does not replay history at subscribers.
func (d *webhookDispatcher) cursorFor(idx int) ledgerCursor {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur := ledgerCursor{}
	if partitions, err := d.engine.Ledger.Partitions(); err == nil && len(partitions) > 0 {
		last := partitions[len(partitions)-1]
		entries, err := d.engine.Ledger.Read(last)
		if err == nil {
			cur = ledgerCursor{partition: last, offset: len(entries)}
		}
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value ledgerCursor) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	Partition   string            `json:"partition"`
	Seq         int               `json:"seq"`
	ActionType  string            `json:"action_type"`
	Actor       string            `json:"actor"`
	Target      string            `json:"target,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Result      string            `json:"result"`
	ErrorDetail string            `json:"error_detail,omitempty"`
	TS          string            `json:"ts"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, partition string, seq int, entry domain.Entry) error {
	body := webhookEvent{
		Partition:   partition,
		Seq:         seq,
		ActionType:  entry.ActionType,
		Actor:       entry.Actor,
		Target:      entry.Target,
		Parameters:  entry.Parameters,
		Result:      entry.Result,
		ErrorDetail: entry.ErrorDetail,
		TS:          entry.Timestamp,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	deliver := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Vaultline-Event", entry.ActionType)
		req.Header.Set("X-Vaultline-Delivery", fmt.Sprintf("%s/%d", partition, seq))
		if strings.TrimSpace(hook.Secret) != "" {
			req.Header.Set("X-Vaultline-Secret", hook.Secret)
		}
		res, err := client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
			err := fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
			if res.StatusCode >= 400 && res.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = maxWebhookRetryWindow
	return backoff.Retry(deliver, backoff.WithContext(policy, ctx))
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
