package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/OrrinLabs/tally/models"
	"github.com/gorilla/websocket"
)

const watchPingInterval = 30 * time.Second

// Watch opens an event stream for the given counter. An empty counterID
// streams events for every counter on the node. The returned channel is
// closed when the server drops the connection or ctx is cancelled; the
// caller must consume it or cancel ctx, events are never discarded
// client side.
func (c *Client) Watch(ctx context.Context, counterID string) (<-chan models.CounterEvent, error) {
	wsScheme := "ws"
	if c.baseURL.Scheme == "https" {
		wsScheme = "wss"
	}

	wsURL := url.URL{
		Scheme: wsScheme,
		Host:   c.baseURL.Host,
		Path:   apiPrefix + "/watch",
	}
	if counterID != "" {
		query := wsURL.Query()
		query.Set("counter", counterID)
		wsURL.RawQuery = query.Encode()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: c.skipVerify,
		},
	}

	c.logger.Debug("dialing watch stream", "url", wsURL.String())

	conn, resp, err := dialer.Dial(wsURL.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, fmt.Errorf("watch dial %s: %w", wsURL.String(), c.errorFromResponse(resp))
		}
		return nil, fmt.Errorf("watch dial %s: %w", wsURL.String(), err)
	}

	conn.SetPongHandler(func(string) error {
		c.logger.Debug("watch pong received")
		return nil
	})

	out := make(chan models.CounterEvent, 32)
	go c.watchPing(ctx, conn)
	go c.watchRead(ctx, conn, out)

	return out, nil
}

// watchPing keeps intermediaries from idling the connection out and
// sends the close frame when the caller cancels.
func (c *Client) watchPing(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(watchPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("watch ping failed", "error", err)
				return
			}
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
				c.logger.Debug("watch close message failed", "error", err)
			}
			conn.Close()
			return
		}
	}
}

func (c *Client) watchRead(ctx context.Context, conn *websocket.Conn, out chan<- models.CounterEvent) {
	defer close(out)
	defer conn.Close()
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				c.logger.Error("watch stream read failed", "error", err)
			} else {
				c.logger.Debug("watch stream closed", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		var event models.CounterEvent
		if err := json.Unmarshal(message, &event); err != nil {
			c.logger.Error("watch stream carried malformed event", "error", err, "message", string(message))
			continue
		}

		select {
		case out <- event:
		case <-ctx.Done():
			return
		}
	}
}
