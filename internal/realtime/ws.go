package realtime

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// wsConn adapts a websocket connection to the Conn interface.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}

// WebSocketDialer returns a Dialer for the remote store's realtime
// endpoint. apiKey and token are sent as headers on the upgrade request;
// the server scopes the subscription to the token's identity.
func WebSocketDialer(url, apiKey, token string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		header := http.Header{}
		if apiKey != "" {
			header.Set("apikey", apiKey)
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
		conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
			HTTPHeader: header,
		})
		if err != nil {
			return nil, fmt.Errorf("websocket dial %s failed: %w", url, err)
		}
		return &wsConn{conn: conn}, nil
	}
}
