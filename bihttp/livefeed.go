// Copyright 2026 MainListActivity
// SPDX-License-Identifier: Apache-2.0

package bihttp

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/MainListActivity/cuckoox-google-sub003/bisync"
)

// SubscribeChanges opens a WebSocket live feed of remote deltas for the given
// tables. The returned channel closes when the connection drops or the
// context ends; the engine resubscribes.
func (b *Backend) SubscribeChanges(ctx context.Context, tables []string) (<-chan bisync.RemoteRecord, error) {
	wsURL, err := b.liveURL(tables)
	if err != nil {
		return nil, err
	}

	token, err := b.tokens.token(ctx)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, &bisync.RemoteRejectionError{Code: resp.StatusCode, Message: "live feed subscription refused"}
		}
		return nil, &bisync.NetworkError{Op: "live feed dial", Err: err}
	}

	feed := make(chan bisync.RemoteRecord, 16)

	// Closing the connection on context end unblocks the reader below.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go func() {
		defer close(feed)
		defer conn.Close()
		for {
			var rec bisync.RemoteRecord
			if err := conn.ReadJSON(&rec); err != nil {
				if ctx.Err() == nil {
					b.logger.Warn("live feed connection lost", "error", err)
				}
				return
			}
			select {
			case feed <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()

	return feed, nil
}

func (b *Backend) liveURL(tables []string) (string, error) {
	u, err := url.Parse(b.baseURL)
	if err != nil {
		return "", &bisync.NetworkError{Op: "live feed dial", Err: err}
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/sync/live"
	q := u.Query()
	q.Set("tables", strings.Join(tables, ","))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
