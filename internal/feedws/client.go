// Package feedws implements the push-subscription side of the ledger API:
// a websocket feed that delivers decoded snapshots of watched state objects.
package feedws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
)

const DefaultPingInterval = 5 * time.Second

// Update is one pushed snapshot of a watched account. Clock is the ledger
// clock position at which the snapshot was taken; Data is the account payload,
// decoded by the consumer based on which account it watches.
type Update struct {
	Account common.Address  `json:"account"`
	Clock   uint64          `json:"clock"`
	Data    json.RawMessage `json:"data"`
}

type subscribeRequest struct {
	Action   string   `json:"action"`
	Accounts []string `json:"accounts"`
}

type Options struct {
	PingInterval time.Duration

	BackoffMin time.Duration
	BackoffMax time.Duration

	OutBuffer int
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 15 * time.Second
	}
	if o.OutBuffer <= 0 {
		o.OutBuffer = 64
	}
	return o
}

type Client struct {
	url  string
	opts Options
}

func NewClient(url string, opts Options) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("feed url required")
	}
	return &Client{url: url, opts: opts.withDefaults()}, nil
}

// Watch subscribes to one account and emits its pushed snapshots. The feed
// reconnects with exponential backoff and resubscribes after every reconnect;
// during an outage no updates flow and consumers keep serving their last
// snapshot. Delivery is lossy by design: if the consumer lags, older updates
// are dropped in favor of newer ones. The channel closes when ctx is done.
func (c *Client) Watch(ctx context.Context, account common.Address) <-chan Update {
	out := make(chan Update, c.opts.OutBuffer)

	go func() {
		defer close(out)

		backoff := c.opts.BackoffMin
		for {
			if ctx.Err() != nil {
				return
			}

			conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
			if err != nil {
				log.Printf("[feed] dial %s: %v", c.url, err)
				sleepWithJitter(ctx, backoff)
				backoff = nextBackoff(backoff, c.opts.BackoffMax)
				continue
			}

			backoff = c.opts.BackoffMin

			if err := c.runSession(ctx, conn, account, out); err != nil && ctx.Err() == nil {
				log.Printf("[feed] watch %s: %v", account.Hex(), err)
			}

			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			sleepWithJitter(ctx, backoff)
			backoff = nextBackoff(backoff, c.opts.BackoffMax)
		}
	}()

	return out
}

func (c *Client) runSession(ctx context.Context, conn *websocket.Conn, account common.Address, out chan Update) error {
	req := subscribeRequest{Action: "subscribe", Accounts: []string{account.Hex()}}
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("subscribe marshal: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, reqBytes); err != nil {
		return fmt.Errorf("subscribe write: %w", err)
	}

	var writeMu sync.Mutex
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	go func() {
		defer stopAll()
		t := time.NewTicker(c.opts.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-t.C:
				writeMu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
				werr := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
				writeMu.Unlock()
				if werr != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			stopAll()
			if errors.Is(err, websocket.ErrCloseSent) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		if len(msg) == 0 || string(msg) == "pong" || string(msg) == "ping" {
			continue
		}

		var u Update
		if err := json.Unmarshal(msg, &u); err != nil {
			log.Printf("[feed] decode: %v", err)
			continue
		}
		if u.Account != account {
			continue
		}

		// Drop the oldest buffered update rather than block the feed: each
		// update is a full snapshot, so only the newest one matters.
		for {
			select {
			case out <- u:
			default:
				select {
				case <-out:
				default:
				}
				continue
			}
			break
		}
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleepWithJitter(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	j := int64(d) / 7
	if j > 0 {
		d = time.Duration(int64(d) + rand.Int64N(2*j+1) - j)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
