package chain

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// HeadStream delivers new block numbers over a websocket subscription.
// The executor uses it to pace receipt polling; when the stream drops the
// executor falls back to its ticker.
type HeadStream struct {
	conn *websocket.Conn
	C    chan uint64
}

// DialHeads connects to wsURL and subscribes to newHeads.
func DialHeads(ctx context.Context, wsURL string) (*HeadStream, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	sub := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "eth_subscribe", Params: []any{"newHeads"}}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, err
	}
	hs := &HeadStream{conn: conn, C: make(chan uint64, 16)}
	go hs.readLoop()
	return hs, nil
}

func (hs *HeadStream) readLoop() {
	defer close(hs.C)
	for {
		var msg struct {
			Params struct {
				Result struct {
					Number string `json:"number"`
				} `json:"result"`
			} `json:"params"`
		}
		_, raw, err := hs.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("head stream closed")
			return
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Params.Result.Number == "" {
			continue
		}
		n, ok := parseQuantity(msg.Params.Result.Number)
		if !ok {
			continue
		}
		select {
		case hs.C <- n:
		default: // slow consumer, drop the head
		}
	}
}

func (hs *HeadStream) Close() error { return hs.conn.Close() }

func parseQuantity(h string) (uint64, bool) {
	v, err := hexToBig(strings.TrimSpace(h))
	if err != nil || !v.IsUint64() {
		return 0, false
	}
	return v.Uint64(), true
}
