package outbound

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/dancesWithCycles/anshar/errors"
)

// send delivers one payload over an ephemeral connection chosen by address
// scheme. The connection is torn down after the send regardless of outcome.
func send(ctx context.Context, address string, payload []byte) error {
	if strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://") {
		return sendWebsocket(ctx, address, payload)
	}
	return sendHTTP(ctx, address, payload)
}

func sendHTTP(ctx context.Context, address string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address, bytes.NewReader(payload))
	if err != nil {
		return errors.WrapInvalid(err, "Dispatcher", "send", "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "Dispatcher", "send", "post delivery")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		return errors.WrapTransient(
			fmt.Errorf("consumer returned %s: %w", resp.Status, errors.ErrConsumerUnreachable),
			"Dispatcher", "send", "post delivery")
	}
	return nil
}

func sendWebsocket(ctx context.Context, address string, payload []byte) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, address, nil)
	if err != nil {
		return errors.WrapTransient(err, "Dispatcher", "send", "dial websocket")
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errors.WrapTransient(err, "Dispatcher", "send", "write websocket message")
	}

	// Polite close; failures here do not matter, the payload is out.
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}
