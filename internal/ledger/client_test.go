package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, Options{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClient_RejectsBadHost(t *testing.T) {
	if _, err := NewClient("127.0.0.1:8899", Options{}); err == nil {
		t.Fatalf("NewClient accepted a host without scheme")
	}
}

func TestLatestClock(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/clock" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		fmt.Fprint(w, `{"clock":123456}`)
	}))
	clock, err := c.LatestClock(context.Background())
	if err != nil {
		t.Fatalf("LatestClock: %v", err)
	}
	if clock != 123456 {
		t.Fatalf("clock = %d, want 123456", clock)
	}
}

func TestLatestNonce_RejectsZero(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"nonce":"0x0000000000000000000000000000000000000000000000000000000000000000"}`)
	}))
	if _, err := c.LatestNonce(context.Background()); err == nil {
		t.Fatalf("LatestNonce accepted a zero nonce")
	}
}

func TestSubmitTransaction(t *testing.T) {
	want := common.HexToHash("0x1234")
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/transactions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req struct {
			Tx *Tx `json:"tx"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if req.Tx == nil || req.Tx.Kind != TxAllocate || req.Tx.Round != 9 {
			t.Errorf("unexpected tx: %+v", req.Tx)
		}
		fmt.Fprintf(w, `{"id":"%s"}`, want.Hex())
	}))

	tx := &Tx{Kind: TxAllocate, Round: 9, Allocations: []uint64{1}, Sig: []byte{1}}
	id, err := c.SubmitTransaction(context.Background(), tx)
	if err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}
	if id != want {
		t.Fatalf("id = %s, want %s", id.Hex(), want.Hex())
	}
}

func TestSubmitTransaction_RequiresSignature(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unsigned tx reached the wire")
	}))
	if _, err := c.SubmitTransaction(context.Background(), &Tx{Kind: TxAllocate}); err == nil {
		t.Fatalf("SubmitTransaction accepted an unsigned tx")
	}
}

func TestSubmitTransaction_MapsRejection(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nonce too old", http.StatusBadRequest)
	}))
	_, err := c.SubmitTransaction(context.Background(), &Tx{Kind: TxAllocate, Sig: []byte{1}})
	if !IsRejected(err) {
		t.Fatalf("err = %v, want RejectedError", err)
	}
	if !strings.Contains(err.Error(), "nonce too old") {
		t.Fatalf("rejection lost the ledger message: %v", err)
	}
}

func TestSubmitTransaction_ServerErrorIsNotRejection(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusBadGateway)
	}))
	_, err := c.SubmitTransaction(context.Background(), &Tx{Kind: TxAllocate, Sig: []byte{1}})
	if err == nil || IsRejected(err) {
		t.Fatalf("5xx mapped to rejection: %v", err)
	}
}

func TestTransactionStatuses(t *testing.T) {
	ids := []common.Hash{common.HexToHash("0x01"), common.HexToHash("0x02"), common.HexToHash("0x03")}
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/transactions/status" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req struct {
			IDs []common.Hash `json:"ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) != 3 {
			t.Errorf("bad request body: %v %v", req.IDs, err)
		}
		// Middle id unknown: entry stays null.
		fmt.Fprintf(w, `{"statuses":[{"id":"%s","settled":true,"ok":true},null,{"id":"%s","settled":true,"ok":false,"err":"slot occupied"}]}`,
			ids[0].Hex(), ids[2].Hex())
	}))

	statuses, err := c.TransactionStatuses(context.Background(), ids)
	if err != nil {
		t.Fatalf("TransactionStatuses: %v", err)
	}
	if len(statuses) != 3 {
		t.Fatalf("got %d statuses, want 3", len(statuses))
	}
	if statuses[0] == nil || !statuses[0].Ok {
		t.Fatalf("statuses[0] = %+v", statuses[0])
	}
	if statuses[1] != nil {
		t.Fatalf("unknown id not nil: %+v", statuses[1])
	}
	if statuses[2] == nil || statuses[2].Ok || statuses[2].Err != "slot occupied" {
		t.Fatalf("statuses[2] = %+v", statuses[2])
	}
}

func TestTransactionStatuses_BatchGuard(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("oversized batch reached the wire")
	}))
	ids := make([]common.Hash, DefaultMaxStatusBatch+1)
	if _, err := c.TransactionStatuses(context.Background(), ids); err == nil {
		t.Fatalf("accepted a batch over the maximum")
	}
	if got, err := c.TransactionStatuses(context.Background(), nil); got != nil || err != nil {
		t.Fatalf("empty batch = %v, %v", got, err)
	}
}

func TestTransactionStatuses_CountMismatch(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"statuses":[null]}`)
	}))
	ids := []common.Hash{common.HexToHash("0x01"), common.HexToHash("0x02")}
	if _, err := c.TransactionStatuses(context.Background(), ids); err == nil {
		t.Fatalf("accepted a truncated status response")
	}
}
