// Package ws is the WebSocket transport of the server.
//
// # Features
//
//   - Connection pooling with a configurable limit
//   - One read pump and one write pump per client; each client has a single
//     send queue, so frames are written in the order they were queued
//   - Transport heartbeats (ping frames) and a read deadline refreshed by any
//     inbound frame
//   - Invalid-message throttling: a client that sends too many consecutive
//     frames its handler rejects is disconnected
//   - Graceful close: frames queued before Close are flushed before the close
//     frame is written
//   - Pluggable metrics, with a go-metrics registry implementation
//
// # Basic Usage
//
// The protocol layer implements Handler; the HTTP layer hands upgrade requests
// to the manager:
//
//	manager, err := ws.NewManager(cfg, handler,
//	    ws.WithMetrics(ws.NewRegistryMetrics(nil)),
//	)
//	if err != nil {
//	    return err
//	}
//
//	r.GET("/app/:appKey", func(c *gin.Context) {
//	    _ = manager.HandleUpgrade(c.Writer, c.Request,
//	        ws.WithMetadata("app_key", c.Param("appKey")),
//	    )
//	})
//
//	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//	defer cancel()
//	_ = manager.Shutdown(ctx)
//
// Handler callbacks for one client are never called concurrently: OnOpen runs
// first, then OnMessage for each frame in arrival order, then OnClose exactly
// once.
package ws
