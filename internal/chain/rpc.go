package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	selTransfer  = "a9059cbb" // transfer(address,uint256)
	selBalanceOf = "70a08231" // balanceOf(address)
)

// RPCClient implements Client over an Ethereum-style JSON-RPC endpoint.
// Broadcasts go through eth_sendTransaction: the signing identity is held
// by the colocated node, not by this process.
type RPCClient struct {
	url     string
	hc      *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter

	// Submissions through one signing identity are serialized to respect
	// nonce ordering.
	sendMu sync.Map // from address -> *sync.Mutex
}

// NewRPCClient builds a client for url with a request deadline, a shared
// rate cap and a circuit breaker tuned like the source adapters'.
func NewRPCClient(url string, timeout time.Duration, rps float64) *RPCClient {
	st := gobreaker.Settings{Name: "chain-rpc"}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(c gobreaker.Counts) bool {
		return c.ConsecutiveFailures >= 5
	}
	return &RPCClient{
		url:     url,
		hc:      &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(st),
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *RPCClient) call(ctx context.Context, method string, params []any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	raw, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.hc.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("rpc http status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	var rr rpcResponse
	if err := json.Unmarshal(raw.([]byte), &rr); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if rr.Error != nil {
		return rr.Error
	}
	if out != nil {
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *RPCClient) Balance(ctx context.Context, addr, tokenAddr string) (*big.Int, error) {
	if tokenAddr == "" {
		var hexVal string
		if err := c.call(ctx, "eth_getBalance", []any{addr, "latest"}, &hexVal); err != nil {
			return nil, err
		}
		return hexToBig(hexVal)
	}
	res, err := c.CallContract(ctx, tokenAddr, "0x"+selBalanceOf+padAddr(addr))
	if err != nil {
		return nil, err
	}
	return hexToBig(res)
}

// CallContract performs a read-only eth_call against `to` with raw hex
// calldata. Source adapters use this for feed and pool reads.
func (c *RPCClient) CallContract(ctx context.Context, to, data string) (string, error) {
	var hexVal string
	callObj := map[string]string{"to": to, "data": data}
	if err := c.call(ctx, "eth_call", []any{callObj, "latest"}, &hexVal); err != nil {
		return "", err
	}
	return hexVal, nil
}

func (c *RPCClient) Broadcast(ctx context.Context, t Transfer) (string, error) {
	mu := c.lockFor(t.From)
	mu.Lock()
	defer mu.Unlock()

	tx := map[string]string{"from": t.From}
	if t.TokenAddr == "" {
		tx["to"] = t.To
		tx["value"] = bigToHex(t.Amount)
	} else {
		tx["to"] = t.TokenAddr
		tx["data"] = transferCalldata(t.To, t.Amount)
	}

	var hash string
	if err := c.call(ctx, "eth_sendTransaction", []any{tx}, &hash); err != nil {
		return "", classifyBroadcast(err)
	}
	return hash, nil
}

func (c *RPCClient) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	var res struct {
		Status      string `json:"status"`
		BlockNumber string `json:"blockNumber"`
	}
	var raw json.RawMessage
	if err := c.call(ctx, "eth_getTransactionReceipt", []any{txHash}, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrReceiptNotYet
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	bn, err := hexToBig(res.BlockNumber)
	if err != nil {
		return nil, err
	}
	return &Receipt{TxHash: txHash, Success: res.Status == "0x1", BlockNumber: bn.Uint64()}, nil
}

func (c *RPCClient) PendingTransfer(ctx context.Context, t Transfer) (string, error) {
	var block struct {
		Transactions []struct {
			Hash  string `json:"hash"`
			From  string `json:"from"`
			To    string `json:"to"`
			Value string `json:"value"`
			Input string `json:"input"`
		} `json:"transactions"`
	}
	if err := c.call(ctx, "eth_getBlockByNumber", []any{"pending", true}, &block); err != nil {
		return "", err
	}
	wantData := ""
	if t.TokenAddr != "" {
		wantData = transferCalldata(t.To, t.Amount)
	}
	for _, tx := range block.Transactions {
		if !strings.EqualFold(tx.From, t.From) {
			continue
		}
		if t.TokenAddr == "" {
			v, err := hexToBig(tx.Value)
			if err != nil {
				continue
			}
			if strings.EqualFold(tx.To, t.To) && v.Cmp(t.Amount) == 0 {
				return tx.Hash, nil
			}
			continue
		}
		if strings.EqualFold(tx.To, t.TokenAddr) && strings.EqualFold(tx.Input, wantData) {
			return tx.Hash, nil
		}
	}
	return "", nil
}

func (c *RPCClient) lockFor(from string) *sync.Mutex {
	v, _ := c.sendMu.LoadOrStore(strings.ToLower(from), &sync.Mutex{})
	return v.(*sync.Mutex)
}

// classifyBroadcast splits node-side broadcast rejections into transient
// (retry in place) and terminal (fail the intent). Nonce races are
// transient: the serialized resubmit picks up the next nonce.
func classifyBroadcast(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "exceeds block gas limit"),
		strings.Contains(msg, "invalid sender"),
		strings.Contains(msg, "nonce too high"):
		return &BroadcastError{Transient: false, Msg: "broadcast rejected", Err: err}
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "replacement transaction underpriced"),
		strings.Contains(msg, "already known"):
		return &BroadcastError{Transient: true, Msg: "nonce race", Err: err}
	default:
		return &BroadcastError{Transient: true, Msg: "broadcast failed", Err: err}
	}
}

func transferCalldata(to string, amount *big.Int) string {
	return "0x" + selTransfer + padAddr(to) + padUint(amount)
}

func padAddr(addr string) string {
	a := strings.ToLower(strings.TrimPrefix(addr, "0x"))
	return strings.Repeat("0", 64-len(a)) + a
}

func padUint(v *big.Int) string {
	h := v.Text(16)
	return strings.Repeat("0", 64-len(h)) + h
}

func hexToBig(h string) (*big.Int, error) {
	s := strings.TrimPrefix(h, "0x")
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("bad hex quantity %q", h)
	}
	return v, nil
}

func bigToHex(v *big.Int) string { return "0x" + v.Text(16) }
